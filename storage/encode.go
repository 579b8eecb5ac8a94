package storage

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EncodeArtifact encodes the artifact in deterministic CBOR.
func EncodeArtifact(artifact any) ([]byte, error) {
	opts := cbor.CoreDetEncOptions()
	em, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("error initializing CBOR encoder: %w", err)
	}
	buf := bytes.Buffer{}
	if err := em.NewEncoder(&buf).Encode(artifact); err != nil {
		return nil, fmt.Errorf("could not encode artifact: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeArtifact decodes a CBOR artifact into the provided pointer.
func DecodeArtifact(data []byte, artifact any) error {
	if err := cbor.Unmarshal(data, artifact); err != nil {
		return fmt.Errorf("could not decode artifact: %w", err)
	}
	return nil
}

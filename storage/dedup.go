package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// DedupOutcome is the result of a duplicate-submission probe.
type DedupOutcome int

const (
	// DedupMiss means the request is new and should proceed.
	DedupMiss DedupOutcome = iota
	// DedupHit means an identical request already completed inside the
	// idempotency window; its stored response should be replayed.
	DedupHit
	// DedupConflict means a client identifier is being reused for a
	// different payload. The request must be rejected.
	DedupConflict
)

// DedupEntry records one completed submission inside the dedup window.
type DedupEntry struct {
	Fingerprint string    `cbor:"fingerprint"`
	Response    []byte    `cbor:"response"`
	RecordedAt  time.Time `cbor:"recordedAt"`
}

func (e *DedupEntry) expired(now time.Time) bool {
	return now.Sub(e.RecordedAt) > DedupTTL
}

// paymentIdentifierRx constrains client-chosen idempotency keys.
var paymentIdentifierRx = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// ValidPaymentIdentifier reports whether id is usable as a client-chosen
// idempotency key.
func ValidPaymentIdentifier(id string) bool {
	return paymentIdentifierRx.MatchString(id)
}

// Fingerprint hashes a canonical payload rendering for content-based dedup.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CheckPayload probes the content-based dedup table. On DedupHit the stored
// response is returned for replay.
func (s *Storage) CheckPayload(fingerprint string) (DedupOutcome, []byte, error) {
	e := &DedupEntry{}
	if err := s.getArtifact(dedupHashPrefix, []byte(fingerprint), e); err != nil {
		return DedupMiss, nil, nil
	}
	if e.expired(time.Now()) {
		return DedupMiss, nil, nil
	}
	return DedupHit, e.Response, nil
}

// RecordPayload stores the response for a completed submission under its
// payload fingerprint.
func (s *Storage) RecordPayload(fingerprint string, response []byte) error {
	return s.setArtifact(dedupHashPrefix, []byte(fingerprint), &DedupEntry{
		Fingerprint: fingerprint,
		Response:    response,
		RecordedAt:  time.Now().UTC(),
	})
}

// CheckIdentifier probes the client-identifier dedup table. Reusing an
// identifier with a different payload is a DedupConflict.
func (s *Storage) CheckIdentifier(id, fingerprint string) (DedupOutcome, []byte, error) {
	if !ValidPaymentIdentifier(id) {
		return DedupMiss, nil, fmt.Errorf("invalid payment identifier %q", id)
	}
	e := &DedupEntry{}
	if err := s.getArtifact(dedupIDPrefix, []byte(id), e); err != nil {
		return DedupMiss, nil, nil
	}
	if e.expired(time.Now()) {
		return DedupMiss, nil, nil
	}
	if e.Fingerprint != fingerprint {
		return DedupConflict, nil, nil
	}
	return DedupHit, e.Response, nil
}

// RecordIdentifier stores the response under a client-chosen identifier.
func (s *Storage) RecordIdentifier(id, fingerprint string, response []byte) error {
	return s.setArtifact(dedupIDPrefix, []byte(id), &DedupEntry{
		Fingerprint: fingerprint,
		Response:    response,
		RecordedAt:  time.Now().UTC(),
	})
}

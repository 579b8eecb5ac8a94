package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexBytes is a []byte which encodes as hexadecimal in json, as opposed to
// the base64 default. Transaction payloads travel the wire in this form.
type HexBytes []byte

// Bytes returns the underlying byte slice.
func (b HexBytes) Bytes() []byte { return b }

// Hex returns the hexadecimal string representation, without prefix.
func (b HexBytes) Hex() string { return hex.EncodeToString(b) }

// String returns the hexadecimal string representation, prefixed with "0x".
func (b HexBytes) String() string { return "0x" + b.Hex() }

// MarshalJSON encodes as a quoted 0x-prefixed hex string.
func (b HexBytes) MarshalJSON() ([]byte, error) {
	enc := make([]byte, 0, len(b)*2+4)
	enc = append(enc, '"', '0', 'x')
	enc = hex.AppendEncode(enc, b)
	return append(enc, '"'), nil
}

// UnmarshalJSON decodes a quoted hex string, with or without 0x prefix.
func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid JSON string: %q", data)
	}
	return b.FromString(string(data[1 : len(data)-1]))
}

// FromString decodes a hex string, with or without 0x prefix.
func (b *HexBytes) FromString(str string) error {
	str = TrimHex(str)
	// Odd-length hex is tolerated by prepending a zero nibble.
	if len(str)%2 == 1 {
		str = "0" + str
	}
	decoded, err := hex.DecodeString(str)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// HexStringToHexBytes converts a hex string to HexBytes.
func HexStringToHexBytes(str string) (HexBytes, error) {
	var b HexBytes
	if err := b.FromString(str); err != nil {
		return nil, err
	}
	return b, nil
}

// TrimHex removes a leading "0x" or "0X" prefix, if present.
func TrimHex(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}

package stackstx

import (
	"bytes"
	"fmt"
	"strings"
)

// Address is a chain principal: a version byte plus the hash160 of the
// owner's public key. The string form is c32check encoded, "S" prefixed.
type Address struct {
	Version byte
	Hash160 [20]byte
}

// String renders the address in c32check form: "S", the version encoded as a
// single c32 character, and the base32 payload with a 4-byte checksum.
func (a Address) String() string {
	checksum := c32Checksum(a.Version, a.Hash160[:])
	payload := append(a.Hash160[:], checksum...)
	return "S" + string(c32Alphabet[a.Version]) + c32Encode(payload)
}

// IsZero reports whether the address is the all-zero placeholder used in
// the sponsor slot of sponsor-pending transactions.
func (a Address) IsZero() bool {
	return a.Hash160 == [20]byte{}
}

// ParseAddress decodes a c32check address string.
func ParseAddress(s string) (Address, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 6 || s[0] != 'S' {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	version, ok := c32Lookup[rune(s[1])]
	if !ok || version > 31 {
		return Address{}, fmt.Errorf("invalid address version character %q", s[1])
	}
	payload, err := c32Decode(s[2:], 24)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	var a Address
	a.Version = byte(version)
	copy(a.Hash160[:], payload[:20])
	if !bytes.Equal(c32Checksum(a.Version, a.Hash160[:]), payload[20:]) {
		return Address{}, fmt.Errorf("bad checksum in address %q", s)
	}
	return a, nil
}

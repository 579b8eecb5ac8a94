package stackstx

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
)

// Crockford base32 alphabet used by c32check addresses.
const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var c32Lookup = func() map[rune]int {
	m := make(map[rune]int, len(c32Alphabet))
	for i, r := range c32Alphabet {
		m[r] = i
	}
	// Commonly-confused characters map to their canonical digit.
	m['O'] = 0
	m['L'] = 1
	m['I'] = 1
	return m
}()

// c32Encode encodes data in Crockford base32. Leading zero bytes are
// preserved as leading '0' characters so the encoding round-trips.
func c32Encode(data []byte) string {
	zeros := 0
	for zeros < len(data) && data[zeros] == 0 {
		zeros++
	}
	var sb strings.Builder
	for range zeros {
		sb.WriteByte('0')
	}
	n := new(big.Int).SetBytes(data[zeros:])
	if n.Sign() == 0 {
		return sb.String()
	}
	base := big.NewInt(32)
	mod := new(big.Int)
	var digits []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		digits = append(digits, c32Alphabet[mod.Int64()])
	}
	for i := len(digits) - 1; i >= 0; i-- {
		sb.WriteByte(digits[i])
	}
	return sb.String()
}

// c32Decode decodes a Crockford base32 string produced by c32Encode into
// size bytes.
func c32Decode(s string, size int) ([]byte, error) {
	zeros := 0
	for zeros < len(s) && s[zeros] == '0' {
		zeros++
	}
	n := new(big.Int)
	base := big.NewInt(32)
	for _, r := range strings.ToUpper(s[zeros:]) {
		v, ok := c32Lookup[r]
		if !ok {
			return nil, fmt.Errorf("invalid c32 character %q", r)
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(v)))
	}
	raw := n.Bytes()
	if len(raw) > size {
		return nil, fmt.Errorf("c32 string decodes to %d bytes, want at most %d", len(raw), size)
	}
	out := make([]byte, size)
	copy(out[size-len(raw):], raw)
	return out, nil
}

// c32Checksum computes the 4-byte double-sha256 checksum over the version
// byte followed by the payload.
func c32Checksum(version byte, payload []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, payload...))
	second := sha256.Sum256(first[:])
	return second[:4]
}

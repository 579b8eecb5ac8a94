package types

import (
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// BigInt is a big.Int wrapper which marshals JSON to a decimal string. Token
// amounts and volumes exceed 64 bits in principle, so they are carried as
// BigInt end to end and never as floats.
type BigInt big.Int

// NewBigInt creates a new BigInt from the given uint64 value.
func NewBigInt(x uint64) *BigInt {
	return (*BigInt)(new(big.Int).SetUint64(x))
}

// BigIntFromString parses a non-negative decimal integer literal. It rejects
// signs, spaces and fractional parts.
func BigIntFromString(s string) (*BigInt, error) {
	i, ok := new(big.Int).SetString(s, 10)
	if !ok || i.Sign() < 0 || s == "" || s[0] == '+' {
		return nil, fmt.Errorf("invalid amount %q: want non-negative decimal integer", s)
	}
	return (*BigInt)(i), nil
}

// MathBigInt converts to the standard math/big representation.
func (i *BigInt) MathBigInt() *big.Int {
	return (*big.Int)(i)
}

// String returns the decimal representation. A nil BigInt renders as "0".
func (i *BigInt) String() string {
	if i == nil {
		return "0"
	}
	return (*big.Int)(i).String()
}

// Add sums x and y into i and returns i.
func (i *BigInt) Add(x, y *BigInt) *BigInt {
	return (*BigInt)(i.MathBigInt().Add(x.MathBigInt(), y.MathBigInt()))
}

// Cmp compares i and x, returning -1, 0 or +1.
func (i *BigInt) Cmp(x *BigInt) int {
	return i.MathBigInt().Cmp(x.MathBigInt())
}

// MarshalText returns the decimal string representation.
func (i *BigInt) MarshalText() ([]byte, error) {
	if i == nil {
		return []byte("0"), nil
	}
	return (*big.Int)(i).MarshalText()
}

// UnmarshalText parses the decimal representation.
func (i *BigInt) UnmarshalText(data []byte) error {
	if i == nil {
		return fmt.Errorf("cannot unmarshal into nil BigInt")
	}
	return (*big.Int)(i).UnmarshalText(data)
}

// UnmarshalJSON accepts both string and numeric JSON representations.
func (i *BigInt) UnmarshalJSON(data []byte) error {
	if i == nil {
		return fmt.Errorf("cannot unmarshal into nil BigInt")
	}
	if len(data) > 1 && data[0] == '"' {
		return i.UnmarshalText(data[1 : len(data)-1])
	}
	return i.UnmarshalText(data)
}

// MarshalJSON encodes as a quoted decimal string.
func (i *BigInt) MarshalJSON() ([]byte, error) {
	txt, err := i.MarshalText()
	if err != nil {
		return nil, err
	}
	return []byte(`"` + string(txt) + `"`), nil
}

// MarshalCBOR explicitly encodes BigInt as a CBOR text string.
func (i *BigInt) MarshalCBOR() ([]byte, error) {
	txt, err := i.MarshalText()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(string(txt))
}

// UnmarshalCBOR decodes a CBOR text string into BigInt.
func (i *BigInt) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	return i.UnmarshalText([]byte(s))
}

package types

import "fmt"

// TokenType identifies the settlement token requested by a caller.
type TokenType string

const (
	// TokenNative is the chain's native token (uSTX smallest units).
	TokenNative TokenType = "STX"
	// TokenWrappedBTC is the wrapped-bitcoin SIP-010 asset (sats).
	TokenWrappedBTC TokenType = "sBTC"
	// TokenAIBTC is the project fungible token.
	TokenAIBTC TokenType = "AIBTC"
)

// ParseTokenType validates a caller-supplied token type string. The empty
// string defaults to the native token.
func ParseTokenType(s string) (TokenType, error) {
	switch TokenType(s) {
	case "", TokenNative:
		return TokenNative, nil
	case TokenWrappedBTC:
		return TokenWrappedBTC, nil
	case TokenAIBTC:
		return TokenAIBTC, nil
	}
	return "", fmt.Errorf("unrecognized token type %q", s)
}

// SettleOptions are the payment requirements a relay caller declares for a
// transaction. The relay refuses to sponsor transactions that do not satisfy
// them.
type SettleOptions struct {
	ExpectedRecipient string    `json:"expectedRecipient"`
	MinAmount         *BigInt   `json:"minAmount"`
	TokenType         TokenType `json:"tokenType,omitempty"`
	ExpectedSender    string    `json:"expectedSender,omitempty"`
	Resource          string    `json:"resource,omitempty"`
	Method            string    `json:"method,omitempty"`
}

// Settlement is the chain-confirmation summary attached to responses and
// receipts.
type Settlement struct {
	Status      string  `json:"status"` // confirmed | pending | failed
	Sender      string  `json:"sender,omitempty"`
	Recipient   string  `json:"recipient,omitempty"`
	Amount      *BigInt `json:"amount,omitempty"`
	BlockHeight uint64  `json:"blockHeight,omitempty"`
}

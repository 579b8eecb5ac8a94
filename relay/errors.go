package relay

import (
	"errors"
	"fmt"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/chain"
)

// Sentinel errors the API layer maps to the HTTP error catalog.
var (
	// ErrInvalidSettleOptions covers malformed payment requirements.
	ErrInvalidSettleOptions = errors.New("invalid settle options")
	// ErrInvalidTransaction covers undecodable transaction bytes.
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrVerificationFailed means the transaction does not pay what the
	// declared requirements demand.
	ErrVerificationFailed = errors.New("settlement verification failed")
	// ErrAuthInvalid covers a bad structured-data signature.
	ErrAuthInvalid = errors.New("invalid auth signature")
	// ErrAuthExpired covers an expired structured-data message.
	ErrAuthExpired = errors.New("auth message expired")
	// ErrDedupConflict means a payment identifier was reused with a
	// different payload.
	ErrDedupConflict = errors.New("payment identifier already used with a different payload")
	// ErrReceiptConsumed means a single-use receipt was already redeemed.
	ErrReceiptConsumed = errors.New("receipt already consumed")
	// ErrResourceMismatch means the access request names a resource the
	// receipt was not issued for.
	ErrResourceMismatch = errors.New("receipt resource mismatch")
)

// RateLimitError carries the drain hint for retryable backpressure, both
// from the per-origin window and from the coordinator's chaining limit.
type RateLimitError struct {
	RetryAfter int // seconds
	Reason     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %ds", e.Reason, e.RetryAfter)
}

// BroadcastError is a chain rejection during broadcast. Conflict marks the
// conflicting-nonce sentinel, surfaced as a retryable 409.
type BroadcastError struct {
	Conflict bool
	Err      error
}

func (e *BroadcastError) Error() string {
	if e.Conflict {
		return fmt.Sprintf("nonce conflict in mempool: %v", e.Err)
	}
	return fmt.Sprintf("broadcast failed: %v", e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// AbortError is a terminal on-chain failure: the transaction was mined and
// aborted. Not retryable; the fee was charged.
type AbortError struct {
	Txid   string
	Status chain.TxStatus
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction %s aborted on chain: %s", e.Txid, e.Status)
}

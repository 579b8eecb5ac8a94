package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/chain"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/relay"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stackstx"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/storage"
)

// Error is a value-typed API error carried by the handlers and written as
// the standard error body.
type Error struct {
	Code       int
	HTTPstatus int
	Retryable  bool
	Err        error
}

func (e Error) Error() string {
	return e.Err.Error()
}

// ErrorBody is the wire form of every error response. Retry-After mirrors
// RetryAfter as an HTTP header when set.
type ErrorBody struct {
	Success    bool   `json:"success"`
	RequestID  string `json:"requestId"`
	ErrorMsg   string `json:"error"`
	Code       int    `json:"code"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// Write renders the error to the response writer with an optional detail
// string and retry hint.
func (e Error) Write(w http.ResponseWriter, details string, retryAfter int) {
	body := ErrorBody{
		RequestID:  uuid.NewString(),
		ErrorMsg:   e.Err.Error(),
		Code:       e.Code,
		Details:    details,
		Retryable:  e.Retryable,
		RetryAfter: retryAfter,
	}
	data, err := json.Marshal(body)
	if err != nil {
		log.Warnw("failed to marshal error body", "error", err)
		http.Error(w, e.Err.Error(), e.HTTPstatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.WriteHeader(e.HTTPstatus)
	if _, err := w.Write(data); err != nil {
		log.Warnw("failed to write error response", "error", err)
	}
}

// writeError maps a pipeline or storage error onto the catalog and writes
// it. Unknown errors become the generic 500.
func writeError(w http.ResponseWriter, err error) {
	var (
		rateLimit *relay.RateLimitError
		broadcast *relay.BroadcastError
		abort     *relay.AbortError
		apiErr    Error
	)
	switch {
	case errors.As(err, &apiErr):
		apiErr.Write(w, "", 0)
	case errors.As(err, &rateLimit):
		ErrRateLimitExceeded.Write(w, rateLimit.Reason, rateLimit.RetryAfter)
	case errors.As(err, &broadcast):
		if broadcast.Conflict {
			ErrNonceConflict.Write(w, broadcast.Err.Error(), 0)
		} else {
			ErrBroadcastFailed.Write(w, broadcast.Err.Error(), 0)
		}
	case errors.As(err, &abort):
		ErrSettlementFailed.Write(w, fmt.Sprintf("txid %s: %s", abort.Txid, abort.Status), 0)
	case errors.Is(err, relay.ErrInvalidSettleOptions):
		ErrInvalidSettleOptions.Write(w, err.Error(), 0)
	case errors.Is(err, relay.ErrInvalidTransaction), errors.Is(err, stackstx.ErrMalformed):
		ErrInvalidTransaction.Write(w, err.Error(), 0)
	case errors.Is(err, stackstx.ErrNotSponsored):
		ErrNotSponsored.Write(w, err.Error(), 0)
	case errors.Is(err, relay.ErrVerificationFailed):
		ErrVerificationFailed.Write(w, err.Error(), 0)
	case errors.Is(err, relay.ErrAuthExpired):
		ErrAuthExpired.Write(w, "", 0)
	case errors.Is(err, relay.ErrAuthInvalid):
		ErrAuthFailure.Write(w, err.Error(), 0)
	case errors.Is(err, relay.ErrDedupConflict):
		ErrPaymentIDConflict.Write(w, "", 0)
	case errors.Is(err, relay.ErrReceiptConsumed):
		ErrReceiptConsumed.Write(w, "", 0)
	case errors.Is(err, relay.ErrResourceMismatch):
		ErrResourceMismatch.Write(w, err.Error(), 0)
	case errors.Is(err, storage.ErrNotFound):
		ErrReceiptNotFound.Write(w, "", 0)
	case errors.Is(err, chain.ErrChainUnavailable):
		ErrChainUnavailable.Write(w, "", 0)
	default:
		log.Warnw("unmapped handler error", "error", err)
		ErrGenericInternalServer.Write(w, "", 0)
	}
}

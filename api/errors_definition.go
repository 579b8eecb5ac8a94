//nolint:lll
package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface. Error() returns a
// human-readable description of the error.
//
// Error codes in the 40001-49999 range are the caller's fault and return
// HTTP 4xx. Codes 50001-59999 are the server's or the chain's fault and
// return HTTP 5xx. Never change an existing code; only append.
//
// Retryable marks errors a well-behaved client may retry, optionally after
// the RetryAfter hint mirrored in the Retry-After header.
var (
	ErrMalformedBody         = Error{Code: 40001, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrInvalidRequest        = Error{Code: 40002, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid request")}
	ErrInvalidSettleOptions  = Error{Code: 40003, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid settle options")}
	ErrInvalidTransaction    = Error{Code: 40004, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid transaction bytes")}
	ErrNotSponsored          = Error{Code: 40005, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("transaction is not sponsor-pending")}
	ErrVerificationFailed    = Error{Code: 40006, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("settlement verification failed")}
	ErrAuthFailure           = Error{Code: 40007, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("authentication failed")}
	ErrAuthExpired           = Error{Code: 40008, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("auth signature expired")}
	ErrReceiptNotFound       = Error{Code: 40009, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("receipt not found or expired")}
	ErrReceiptConsumed       = Error{Code: 40010, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("receipt already consumed")}
	ErrResourceMismatch      = Error{Code: 40011, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("resource does not match receipt")}
	ErrPaymentIDConflict     = Error{Code: 40012, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("payment identifier already used with a different payload")}
	ErrRateLimitExceeded     = Error{Code: 42901, HTTPstatus: http.StatusTooManyRequests, Retryable: true, Err: fmt.Errorf("rate limit exceeded")}
	ErrNonceConflict         = Error{Code: 40913, HTTPstatus: http.StatusConflict, Retryable: true, Err: fmt.Errorf("conflicting nonce in mempool")}
	ErrSettlementFailed      = Error{Code: 42201, HTTPstatus: http.StatusUnprocessableEntity, Err: fmt.Errorf("transaction aborted on chain")}
	ErrInvalidFeeConfig      = Error{Code: 40014, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid fee clamp configuration")}
	ErrMalformedWalletIndex  = Error{Code: 40015, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed wallet index")}
	ErrBroadcastFailed       = Error{Code: 50201, HTTPstatus: http.StatusBadGateway, Retryable: true, Err: fmt.Errorf("chain rejected the broadcast")}
	ErrChainUnavailable      = Error{Code: 50301, HTTPstatus: http.StatusServiceUnavailable, Retryable: true, Err: fmt.Errorf("chain API unavailable")}
	ErrGenericInternalServer = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Retryable: true, Err: fmt.Errorf("internal server error")}
	ErrMarshalingJSONFailed  = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
)

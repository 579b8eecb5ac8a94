// Package chain implements the thin client for the external chain API used
// by the relay: nonce lookups, transaction status, broadcasts and fee
// estimates. The relay trusts a single API provider and treats it as a
// shared fallible dependency.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
)

const (
	readTimeout      = 5 * time.Second
	broadcastTimeout = 30 * time.Second

	// RejectionConflictingNonce is the sentinel reason the chain API uses
	// when a transaction with the same nonce already sits in the mempool.
	// During gap fill this is not an error: the nonce is already occupied.
	RejectionConflictingNonce = "ConflictingNonceInMempool"
)

// ErrChainUnavailable wraps network errors, timeouts and 5xx responses from
// the chain API. Callers may retry.
var ErrChainUnavailable = errors.New("chain API unavailable")

// NonceInfo is the chain's view of an account's nonce state.
type NonceInfo struct {
	LastExecutedNonce     *uint64  `json:"last_executed_tx_nonce"`
	PossibleNextNonce     uint64   `json:"possible_next_nonce"`
	DetectedMissingNonces []uint64 `json:"detected_missing_nonces"`
}

// TxStatus is the chain's lifecycle status string for a transaction.
type TxStatus string

const (
	TxStatusPending TxStatus = "pending"
	TxStatusSuccess TxStatus = "success"
	TxStatusUnknown TxStatus = "unknown"
)

// IsAbort reports whether the status is a terminal abort. Only abort
// statuses are terminal failures; dropped statuses are transient.
func (s TxStatus) IsAbort() bool {
	return strings.HasPrefix(string(s), "abort_")
}

// IsDropped reports whether the transaction was dropped from the mempool.
// Dropped transactions are observed to confirm in the overwhelming majority
// of cases, so callers keep polling.
func (s TxStatus) IsDropped() bool {
	return strings.HasPrefix(string(s), "dropped_")
}

// TransferEvent is a token movement reported by the chain for a confirmed
// transaction.
type TransferEvent struct {
	AssetID   string `json:"asset_id,omitempty"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

// Transaction is the chain's status record for a transaction id.
type Transaction struct {
	TxID          string          `json:"tx_id"`
	Status        TxStatus        `json:"tx_status"`
	SenderAddress string          `json:"sender_address"`
	BlockHeight   uint64          `json:"block_height"`
	Events        []TransferEvent `json:"events"`
}

// RejectionError is a structured broadcast rejection from the chain API.
type RejectionError struct {
	Reason  string `json:"reason"`
	Message string `json:"error"`
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broadcast rejected (%s): %s", e.Reason, e.Message)
}

// IsConflictingNonce reports whether the rejection carries the
// conflicting-nonce sentinel.
func (e *RejectionError) IsConflictingNonce() bool {
	return e.Reason == RejectionConflictingNonce
}

// FeeTiers holds the three priority tiers of a fee estimate, in
// smallest-units.
type FeeTiers struct {
	Low    uint64 `json:"low_priority"`
	Medium uint64 `json:"medium_priority"`
	High   uint64 `json:"high_priority"`
}

// FeeEstimates groups the chain fee estimates per transaction kind.
type FeeEstimates struct {
	TokenTransfer FeeTiers `json:"token_transfer"`
	ContractCall  FeeTiers `json:"contract_call"`
	SmartContract FeeTiers `json:"smart_contract"`
}

// Client is the chain API client. It is stateless and safe for concurrent
// use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	network config.Network
}

// New creates a chain client for the given network. The API key is optional
// and only raises the provider rate limit.
func New(network config.Network, apiKey string) *Client {
	return &Client{
		baseURL: network.ChainAPIBase,
		apiKey:  apiKey,
		network: network,
		http:    &http.Client{},
	}
}

// GetNonceInfo fetches the account nonce state from the chain API.
func (c *Client) GetNonceInfo(ctx context.Context, address string) (*NonceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	var info NonceInfo
	url := fmt.Sprintf("%s/extended/v1/address/%s/nonces", c.baseURL, address)
	if err := c.getJSON(ctx, url, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetTransaction fetches the status record for a transaction id. Unknown
// transactions are returned with TxStatusUnknown rather than an error so the
// confirmation poller can keep waiting for mempool propagation.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/extended/v1/tx/0x%s", c.baseURL, strings.TrimPrefix(txid, "0x"))
	var tx Transaction
	err := c.getJSON(ctx, url, &tx)
	if err != nil {
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && httpErr.status == http.StatusNotFound {
			return &Transaction{TxID: txid, Status: TxStatusUnknown}, nil
		}
		return nil, err
	}
	return &tx, nil
}

// Broadcast submits serialized transaction bytes to the chain. On acceptance
// it returns the txid. Structured rejections come back as *RejectionError;
// anything else is wrapped in ErrChainUnavailable.
func (c *Client) Broadcast(ctx context.Context, txBytes []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	url := c.baseURL + "/v2/transactions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(txBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}

	if resp.StatusCode == http.StatusOK {
		// The API returns the txid as a bare JSON string.
		var txid string
		if err := json.Unmarshal(body, &txid); err != nil {
			txid = strings.Trim(strings.TrimSpace(string(body)), `"`)
		}
		return strings.TrimPrefix(txid, "0x"), nil
	}

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: broadcast status %d", ErrChainUnavailable, resp.StatusCode)
	}

	rejection := &RejectionError{}
	if err := json.Unmarshal(body, rejection); err != nil || rejection.Reason == "" {
		rejection.Reason = "Unknown"
		rejection.Message = strings.TrimSpace(string(body))
	}
	log.Debugw("broadcast rejected", "reason", rejection.Reason, "error", rejection.Message)
	return "", rejection
}

// GetFeeEstimates fetches the current fee estimates for the three
// transaction kinds.
func (c *Client) GetFeeEstimates(ctx context.Context) (*FeeEstimates, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	var est FeeEstimates
	if err := c.getJSON(ctx, c.baseURL+"/extended/v2/fees/estimate", &est); err != nil {
		return nil, err
	}
	return &est, nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("chain API status %d: %s", e.status, e.body)
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrChainUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("could not decode chain API response: %w", err)
	}
	return nil
}

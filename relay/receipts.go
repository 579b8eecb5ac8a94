package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/storage"
)

const (
	proxyTimeout     = 10 * time.Second
	proxyMaxBodySize = 1 << 20
)

// ReceiptByID looks a receipt up without consuming it.
func (p *Pipeline) ReceiptByID(receiptID string) (*storage.PaymentReceipt, error) {
	return p.store.Receipt(receiptID)
}

// AccessRequest redeems a receipt for resource access.
type AccessRequest struct {
	ReceiptID string `json:"receiptId"`
	Resource  string `json:"resource,omitempty"`
	TargetURL string `json:"targetUrl,omitempty"`
}

// AccessResponse is the body of a granted access.
type AccessResponse struct {
	Success   bool                    `json:"success"`
	RequestID string                  `json:"requestId"`
	Granted   bool                    `json:"granted"`
	Receipt   *storage.PaymentReceipt `json:"receipt"`
	Data      json.RawMessage         `json:"data,omitempty"`
	Proxy     string                  `json:"proxy,omitempty"`
}

// Access redeems a receipt: the receipt must exist, be unconsumed, and
// match the named resource when one is given. Redemption consumes the
// receipt and bumps its access counter. With a target URL the request is
// forwarded (HTTPS only) and the upstream body returned alongside.
func (p *Pipeline) Access(ctx context.Context, req *AccessRequest) (*AccessResponse, error) {
	receipt, err := p.store.Receipt(req.ReceiptID)
	if err != nil {
		return nil, err
	}
	if receipt.Consumed {
		return nil, ErrReceiptConsumed
	}
	if req.Resource != "" && req.Resource != receipt.Resource {
		return nil, fmt.Errorf("%w: receipt was not issued for %q", ErrResourceMismatch, req.Resource)
	}

	resp := &AccessResponse{
		Success:   true,
		RequestID: uuid.NewString(),
		Granted:   true,
	}
	if req.TargetURL != "" {
		data, err := p.forward(ctx, req.TargetURL, receipt)
		if err != nil {
			return nil, err
		}
		resp.Data = data
		resp.Proxy = req.TargetURL
	}

	updated, err := p.store.ConsumeReceipt(req.ReceiptID)
	if err != nil {
		// Grant anyway; access counting is declared best-effort.
		log.Warnw("could not consume receipt", "receiptId", req.ReceiptID, "error", err)
		updated = receipt
	}
	resp.Receipt = updated
	return resp, nil
}

// forward proxies a GET to the target with the receipt attached. HTTPS
// only: receipts are bearer credentials and never travel plaintext.
func (p *Pipeline) forward(ctx context.Context, target string, receipt *storage.PaymentReceipt) (json.RawMessage, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: targetUrl must be a valid https URL", ErrInvalidSettleOptions)
	}
	ctx, cancel := context.WithTimeout(ctx, proxyTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Payment-Receipt", receipt.ReceiptID)
	httpReq.Header.Set("X-Payment-Txid", receipt.Txid)

	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("target request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, proxyMaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("target response read failed: %w", err)
	}
	if !json.Valid(body) {
		// Wrap non-JSON upstream bodies so the response stays valid JSON.
		quoted, _ := json.Marshal(string(body))
		return quoted, nil
	}
	return body, nil
}

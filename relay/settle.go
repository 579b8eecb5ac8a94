package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stackstx"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stats"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

// PaymentIdentifierExtension is the only facilitator extension the relay
// recognizes; unknown extension keys are ignored.
const PaymentIdentifierExtension = "paymentIdentifier"

// FacilitatorRequest is the body shared by the facilitator verify and
// settle surfaces.
type FacilitatorRequest struct {
	X402Version    int `json:"x402Version,omitempty"`
	PaymentPayload struct {
		Payload struct {
			Transaction types.HexBytes `json:"transaction"`
		} `json:"payload"`
		Extensions map[string]string `json:"extensions,omitempty"`
		Accepted   json.RawMessage   `json:"accepted,omitempty"`
	} `json:"paymentPayload"`
	PaymentRequirements types.SettleOptions `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator verify body. Always HTTP 200.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator settle body. Always HTTP 200; failures
// are expressed in the body, never as error statuses.
type SettleResponse struct {
	Success     bool   `json:"success"`
	RequestID   string `json:"requestId"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	ReceiptID   string `json:"receiptId,omitempty"`
}

// Verify checks a payment locally without broadcasting. It never fails:
// every outcome is expressed in the response body.
func (p *Pipeline) Verify(req *FacilitatorRequest) *VerifyResponse {
	tx, err := stackstx.Parse(req.PaymentPayload.Payload.Transaction)
	if err != nil {
		return &VerifyResponse{InvalidReason: fmt.Sprintf("undecodable transaction: %v", err)}
	}
	opts, err := p.validateOptions(&req.PaymentRequirements)
	if err != nil {
		return &VerifyResponse{InvalidReason: err.Error()}
	}
	payment, err := p.verifyPayment(tx, opts)
	if err != nil {
		return &VerifyResponse{
			InvalidReason: err.Error(),
			Payer:         tx.OriginAddress().String(),
		}
	}
	return &VerifyResponse{IsValid: true, Payer: payment.Sender.String()}
}

// Settle verifies and broadcasts an already-sponsor-signed transaction.
// The caller did the sponsoring; no nonce reservation is involved. The
// returned bytes are the exact response body for dedup replay. The only
// error surfaced is ErrDedupConflict; every other outcome is a 200 body.
func (p *Pipeline) Settle(ctx context.Context, req *FacilitatorRequest) ([]byte, error) {
	fingerprint, err := requestFingerprint(req.PaymentPayload.Payload.Transaction, &req.PaymentRequirements)
	if err != nil {
		return nil, err
	}
	identifier := req.PaymentPayload.Extensions[PaymentIdentifierExtension]

	outcome, cached, err := p.checkDedup(identifier, fingerprint)
	if err != nil {
		return nil, err
	}
	if outcome == storage.DedupHit {
		log.Debugw("dedup hit on settle", "identifier", identifier)
		return cached, nil
	}

	resp := p.settleOnce(ctx, req)
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	p.pool.Submit(func() { p.recordDedup(identifier, fingerprint, body) })
	return body, nil
}

// settleOnce runs the settle pipeline once, past dedup.
func (p *Pipeline) settleOnce(ctx context.Context, req *FacilitatorRequest) *SettleResponse {
	resp := &SettleResponse{RequestID: uuid.NewString(), Network: p.network.Name}

	tx, err := stackstx.Parse(req.PaymentPayload.Payload.Transaction)
	if err != nil {
		resp.ErrorReason = fmt.Sprintf("undecodable transaction: %v", err)
		p.recordError(stats.ErrorValidation)
		return resp
	}
	resp.Payer = tx.OriginAddress().String()
	if tx.AuthMode() != stackstx.AuthSponsorSigned {
		resp.ErrorReason = "transaction is not sponsor-signed"
		p.recordError(stats.ErrorValidation)
		return resp
	}
	opts, err := p.validateOptions(&req.PaymentRequirements)
	if err != nil {
		resp.ErrorReason = err.Error()
		p.recordError(stats.ErrorValidation)
		return resp
	}
	payment, err := p.verifyPayment(tx, opts)
	if err != nil {
		resp.ErrorReason = err.Error()
		p.recordError(stats.ErrorValidation)
		return resp
	}
	resp.Payer = payment.Sender.String()

	txid := tx.Txid()
	if _, err := p.chain.Broadcast(ctx, req.PaymentPayload.Payload.Transaction); err != nil {
		resp.ErrorReason = fmt.Sprintf("broadcast rejected: %v", err)
		p.recordError(stats.ErrorSettlement)
		return resp
	}

	fee := tx.Fee()
	outcome := p.pollConfirmation(ctx, txid)
	if outcome.aborted {
		resp.Transaction = txid
		resp.ErrorReason = fmt.Sprintf("transaction aborted on chain: %s", outcome.status)
		p.recordFailed("settle", payment, fee, txid, string(outcome.status))
		return resp
	}

	settlement := &types.Settlement{
		Status:    "pending",
		Sender:    payment.Sender.String(),
		Recipient: payment.Recipient.String(),
		Amount:    payment.Amount,
	}
	if outcome.confirmed {
		settlement.Status = "confirmed"
		settlement.BlockHeight = outcome.blockHeight
	}

	receiptID := uuid.NewString()
	p.storeReceipt(receiptID, txid, payment, opts, fee, settlement)
	p.recordSettled("settle", payment, opts.TokenType, fee, txid, settlement)

	resp.Success = true
	resp.Transaction = txid
	resp.ReceiptID = receiptID
	return resp
}

// checkDedup probes the identifier table when the caller supplied one, the
// payload-hash table otherwise. The two key spaces are deliberately kept
// apart: identifiers have conflict semantics, payload hashes do not.
func (p *Pipeline) checkDedup(identifier, fingerprint string) (storage.DedupOutcome, []byte, error) {
	if identifier != "" {
		if !storage.ValidPaymentIdentifier(identifier) {
			return storage.DedupMiss, nil, fmt.Errorf("%w: malformed payment identifier", ErrInvalidSettleOptions)
		}
		outcome, cached, err := p.store.CheckIdentifier(identifier, fingerprint)
		if err != nil {
			return storage.DedupMiss, nil, err
		}
		if outcome == storage.DedupConflict {
			return outcome, nil, ErrDedupConflict
		}
		return outcome, cached, nil
	}
	outcome, cached, _ := p.store.CheckPayload(fingerprint)
	return outcome, cached, nil
}

// recordDedup writes the response under the appropriate dedup key.
// Best-effort; an existing conflict-checked identifier entry is never
// overwritten because conflicts short-circuit before settling.
func (p *Pipeline) recordDedup(identifier, fingerprint string, body []byte) {
	var err error
	if identifier != "" {
		err = p.store.RecordIdentifier(identifier, fingerprint, body)
	} else {
		err = p.store.RecordPayload(fingerprint, body)
	}
	if err != nil {
		log.Warnw("could not record dedup entry", "error", err)
	}
}

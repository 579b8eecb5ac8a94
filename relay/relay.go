/*
Package relay implements the settlement pipeline: the request-scoped
orchestration that validates an inbound sponsored transaction, deduplicates
retries, reserves a sponsor nonce, applies the fee-payer signature,
verifies the payment against the declared requirements, broadcasts, polls
for confirmation, issues a receipt and records telemetry.

The pipeline is deliberately explicit about nonce recovery: every failure
before broadcast returns the reservation to the pool, every outcome after
broadcast consumes it, because the chain has seen the nonce either way.
*/
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/chain"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/coordinator"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/fees"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/ratelimit"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stackstx"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stats"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/workers"
)

// Per-origin relay rate limit: 10 requests per sliding minute.
const (
	OriginRateLimit  = 10
	OriginRateWindow = time.Minute
)

// ChainAPI is the slice of the chain client the pipeline consumes.
type ChainAPI interface {
	Broadcast(ctx context.Context, txBytes []byte) (string, error)
	GetTransaction(ctx context.Context, txid string) (*chain.Transaction, error)
}

// Sponsorer is the coordinator surface the pipeline drives. Satisfied by
// *coordinator.Coordinator.
type Sponsorer interface {
	AssignNonce(ctx context.Context) (coordinator.Assignment, error)
	Release(nonce uint64, walletIndex int, txid string, fee uint64)
	RecordTxid(txid string, nonce uint64, walletIndex int)
	SignSponsor(tx *stackstx.Transaction, walletIndex int, nonce, fee uint64) error
}

// Config wires the pipeline's collaborators.
type Config struct {
	Network     config.Network
	Chain       ChainAPI
	Coordinator Sponsorer
	Stats       *stats.Aggregator
	Storage     *storage.Storage
	Fees        *fees.Estimator
	Workers     *workers.Pool
}

// Pipeline is the settlement orchestrator. Safe for concurrent use; all
// shared state lives in the owned collaborators.
type Pipeline struct {
	network config.Network
	chain   ChainAPI
	coord   Sponsorer
	stats   *stats.Aggregator
	store   *storage.Storage
	fees    *fees.Estimator
	pool    *workers.Pool
	limiter *ratelimit.Window

	// Polling knobs, shrunk by tests.
	pollBudget   time.Duration
	pollInterval time.Duration
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		network:      cfg.Network,
		chain:        cfg.Chain,
		coord:        cfg.Coordinator,
		stats:        cfg.Stats,
		store:        cfg.Storage,
		fees:         cfg.Fees,
		pool:         cfg.Workers,
		limiter:      ratelimit.NewWindow(OriginRateLimit, OriginRateWindow),
		pollBudget:   60 * time.Second,
		pollInterval: 2 * time.Second,
	}
}

// RelayRequest is the body of the relay surface: sponsor-pending bytes
// plus the payment requirements the relay enforces before paying the fee.
type RelayRequest struct {
	Transaction types.HexBytes      `json:"transaction"`
	Settle      types.SettleOptions `json:"settle"`
	Auth        *AuthEnvelope       `json:"auth,omitempty"`
}

// RelayResponse is the success body of the relay surface.
type RelayResponse struct {
	Success     bool             `json:"success"`
	RequestID   string           `json:"requestId"`
	Txid        string           `json:"txid"`
	ExplorerURL string           `json:"explorerUrl"`
	Settlement  types.Settlement `json:"settlement"`
	SponsoredTx types.HexBytes   `json:"sponsoredTx"`
	ReceiptID   string           `json:"receiptId"`
}

// Relay runs the full sponsor-and-settle pipeline. The returned bytes are
// the exact response body, so dedup replays are byte-identical.
func (p *Pipeline) Relay(ctx context.Context, req *RelayRequest) ([]byte, error) {
	opts, err := p.validateOptions(&req.Settle)
	if err != nil {
		return nil, err
	}
	tx, err := stackstx.Parse(req.Transaction)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if err := tx.RequireSponsorPending(); err != nil {
		return nil, err
	}
	origin := tx.OriginAddress()
	if req.Auth != nil {
		if err := p.verifyAuth(req.Auth, "relay", origin); err != nil {
			return nil, err
		}
	}
	if ok, wait := p.limiter.Allow(origin.String()); !ok {
		return nil, &RateLimitError{
			RetryAfter: int(wait.Seconds()) + 1,
			Reason:     "origin request window",
		}
	}

	// Dedup over the canonical request payload. A hit replays the stored
	// body without touching the chain.
	fingerprint, err := requestFingerprint(req.Transaction, &req.Settle)
	if err != nil {
		return nil, err
	}
	if outcome, cached, _ := p.store.CheckPayload(fingerprint); outcome == storage.DedupHit {
		log.Debugw("dedup hit on relay", "origin", origin.String())
		return cached, nil
	}

	fee := p.fees.EstimateFor(ctx, tx.Classify(), fees.PriorityMedium)

	assignment, err := p.coord.AssignNonce(ctx)
	if err != nil {
		var limit *coordinator.ErrChainingLimit
		if errors.As(err, &limit) {
			return nil, &RateLimitError{RetryAfter: limit.RetryAfter(), Reason: "sponsor mempool full"}
		}
		return nil, err
	}

	// From here on every failure path must settle the reservation: unused
	// before broadcast, consumed after.
	if err := p.coord.SignSponsor(tx, assignment.WalletIndex, assignment.Nonce, fee); err != nil {
		p.coord.Release(assignment.Nonce, assignment.WalletIndex, "", 0)
		return nil, fmt.Errorf("sponsor signing: %w", err)
	}
	txid := tx.Txid()
	sponsoredBytes := tx.Serialize()

	payment, err := p.verifyPayment(tx, opts)
	if err != nil {
		p.coord.Release(assignment.Nonce, assignment.WalletIndex, "", 0)
		p.recordError(stats.ErrorValidation)
		return nil, err
	}

	if err := p.broadcast(ctx, sponsoredBytes, txid, assignment, fee); err != nil {
		return nil, err
	}

	settlement, err := p.awaitConfirmation(ctx, txid, payment, assignment, fee)
	if err != nil {
		return nil, err
	}
	p.coord.Release(assignment.Nonce, assignment.WalletIndex, txid, fee)

	receiptID := uuid.NewString()
	p.storeReceipt(receiptID, txid, payment, opts, fee, settlement)
	p.recordSettled("relay", payment, opts.TokenType, fee, txid, settlement)

	resp := &RelayResponse{
		Success:     true,
		RequestID:   uuid.NewString(),
		Txid:        txid,
		ExplorerURL: p.network.ExplorerURL(txid),
		Settlement:  *settlement,
		SponsoredTx: sponsoredBytes,
		ReceiptID:   receiptID,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	p.pool.Submit(func() {
		if err := p.store.RecordPayload(fingerprint, body); err != nil {
			log.Warnw("could not record dedup entry", "error", err)
		}
	})
	return body, nil
}

// validateOptions normalizes and checks the declared requirements.
func (p *Pipeline) validateOptions(opts *types.SettleOptions) (*types.SettleOptions, error) {
	if opts.ExpectedRecipient == "" {
		return nil, fmt.Errorf("%w: expectedRecipient is required", ErrInvalidSettleOptions)
	}
	if _, err := stackstx.ParseAddress(opts.ExpectedRecipient); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettleOptions, err)
	}
	if opts.MinAmount == nil {
		return nil, fmt.Errorf("%w: minAmount is required", ErrInvalidSettleOptions)
	}
	if opts.MinAmount.MathBigInt().Sign() < 0 {
		return nil, fmt.Errorf("%w: minAmount must be non-negative", ErrInvalidSettleOptions)
	}
	token, err := types.ParseTokenType(string(opts.TokenType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettleOptions, err)
	}
	opts.TokenType = token
	if opts.ExpectedSender != "" {
		if _, err := stackstx.ParseAddress(opts.ExpectedSender); err != nil {
			return nil, fmt.Errorf("%w: expectedSender: %v", ErrInvalidSettleOptions, err)
		}
	}
	return opts, nil
}

// verifyPayment extracts the transfer event for the declared recipient and
// checks token kind, amount and sender against the requirements.
func (p *Pipeline) verifyPayment(tx *stackstx.Transaction, opts *types.SettleOptions) (*stackstx.PaymentEvent, error) {
	event, err := tx.ExtractPayment(opts.ExpectedRecipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	asset, ok := p.network.Tokens[opts.TokenType]
	if !ok {
		return nil, fmt.Errorf("%w: token %s not configured on %s", ErrVerificationFailed, opts.TokenType, p.network.Name)
	}
	if opts.TokenType == types.TokenNative {
		if !event.Native {
			return nil, fmt.Errorf("%w: expected a native transfer, got asset %s", ErrVerificationFailed, event.Asset.AssetName)
		}
	} else {
		if event.Native {
			return nil, fmt.Errorf("%w: expected %s transfer, got native", ErrVerificationFailed, opts.TokenType)
		}
		evContract := event.Asset.ContractAddress.String()
		if evContract != asset.ContractAddress || event.Asset.ContractName != asset.ContractName {
			return nil, fmt.Errorf("%w: transfer asset %s.%s does not match %s",
				ErrVerificationFailed, evContract, event.Asset.ContractName, opts.TokenType)
		}
	}
	if event.Amount.Cmp(opts.MinAmount) < 0 {
		return nil, fmt.Errorf("%w: amount %s below required minimum %s",
			ErrVerificationFailed, event.Amount, opts.MinAmount)
	}
	if opts.ExpectedSender != "" {
		want, _ := stackstx.ParseAddress(opts.ExpectedSender)
		if event.Sender.Hash160 != want.Hash160 {
			return nil, fmt.Errorf("%w: sender %s does not match expected %s",
				ErrVerificationFailed, event.Sender, opts.ExpectedSender)
		}
	}
	return event, nil
}

// broadcast submits the signed bytes and settles the reservation on
// failure: conflicting nonces are consumed (the chain has them), anything
// else returns the nonce to the pool.
func (p *Pipeline) broadcast(ctx context.Context, txBytes []byte, txid string, a coordinator.Assignment, fee uint64) error {
	_, err := p.chain.Broadcast(ctx, txBytes)
	if err == nil {
		p.coord.RecordTxid(txid, a.Nonce, a.WalletIndex)
		return nil
	}
	var rej *chain.RejectionError
	if errors.As(err, &rej) && rej.IsConflictingNonce() {
		p.coord.Release(a.Nonce, a.WalletIndex, txid, 0)
		p.recordError(stats.ErrorSponsoring)
		return &BroadcastError{Conflict: true, Err: err}
	}
	p.coord.Release(a.Nonce, a.WalletIndex, "", 0)
	p.recordError(stats.ErrorSettlement)
	return &BroadcastError{Err: err}
}

// awaitConfirmation polls the chain until the transaction confirms, aborts
// or the budget runs out. Aborts consume the nonce and record the charged
// fee before surfacing the terminal failure; a timeout is a success with
// pending status.
func (p *Pipeline) awaitConfirmation(ctx context.Context, txid string, payment *stackstx.PaymentEvent, a coordinator.Assignment, fee uint64) (*types.Settlement, error) {
	outcome := p.pollConfirmation(ctx, txid)
	switch {
	case outcome.aborted:
		// The chain mined and aborted the transaction: fee charged, nonce
		// spent. Terminal.
		p.coord.Release(a.Nonce, a.WalletIndex, txid, fee)
		p.recordFailed("relay", payment, fee, txid, string(outcome.status))
		return nil, &AbortError{Txid: txid, Status: outcome.status}
	case outcome.confirmed:
		return &types.Settlement{
			Status:      "confirmed",
			Sender:      payment.Sender.String(),
			Recipient:   payment.Recipient.String(),
			Amount:      payment.Amount,
			BlockHeight: outcome.blockHeight,
		}, nil
	default:
		return &types.Settlement{
			Status:    "pending",
			Sender:    payment.Sender.String(),
			Recipient: payment.Recipient.String(),
			Amount:    payment.Amount,
		}, nil
	}
}

// storeReceipt persists the receipt off the hot path.
func (p *Pipeline) storeReceipt(receiptID, txid string, payment *stackstx.PaymentEvent, opts *types.SettleOptions, fee uint64, settlement *types.Settlement) {
	receipt := &storage.PaymentReceipt{
		ReceiptID:   receiptID,
		Txid:        txid,
		Network:     p.network.Name,
		Sender:      payment.Sender.String(),
		Recipient:   payment.Recipient.String(),
		Amount:      payment.Amount,
		TokenType:   opts.TokenType,
		SponsorFee:  fee,
		Resource:    opts.Resource,
		Method:      opts.Method,
		BlockHeight: settlement.BlockHeight,
	}
	p.pool.Submit(func() {
		if err := p.store.StoreReceipt(receipt); err != nil {
			log.Warnw("could not store receipt", "receiptId", receiptID, "error", err)
		}
	})
}

// recordSettled submits the success telemetry record.
func (p *Pipeline) recordSettled(endpoint string, payment *stackstx.PaymentEvent, token types.TokenType, fee uint64, txid string, settlement *types.Settlement) {
	rec := stats.Record{
		Endpoint:    endpoint,
		Success:     true,
		TokenType:   token,
		Amount:      payment.Amount,
		Fee:         fee,
		HasFee:      true,
		Txid:        txid,
		Sender:      payment.Sender.String(),
		Recipient:   payment.Recipient.String(),
		Status:      settlement.Status,
		BlockHeight: settlement.BlockHeight,
	}
	p.pool.Submit(func() { p.stats.RecordTransaction(rec) })
}

// recordFailed submits the failure telemetry record for a mined abort.
func (p *Pipeline) recordFailed(endpoint string, payment *stackstx.PaymentEvent, fee uint64, txid, status string) {
	rec := stats.Record{
		Endpoint: endpoint,
		Fee:      fee,
		HasFee:   true,
		Txid:     txid,
		Status:   status,
	}
	if payment != nil {
		rec.Amount = payment.Amount
		rec.Sender = payment.Sender.String()
		rec.Recipient = payment.Recipient.String()
		if payment.Native {
			rec.TokenType = types.TokenNative
		}
	}
	p.pool.Submit(func() { p.stats.RecordTransaction(rec) })
	p.recordError(stats.ErrorSettlement)
}

func (p *Pipeline) recordError(cat stats.ErrorCategory) {
	p.pool.Submit(func() { p.stats.RecordError(cat) })
}

// requestFingerprint hashes the canonical JSON of the dedup-relevant parts
// of a request.
func requestFingerprint(txBytes types.HexBytes, opts *types.SettleOptions) (string, error) {
	canonical, err := json.Marshal(struct {
		Transaction types.HexBytes       `json:"transaction"`
		Settle      *types.SettleOptions `json:"settle"`
	}{txBytes, opts})
	if err != nil {
		return "", err
	}
	return storage.Fingerprint(canonical), nil
}

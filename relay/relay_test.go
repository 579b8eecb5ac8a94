package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/chain"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/coordinator"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/db"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/db/inmemory"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/fees"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stackstx"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stats"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/workers"
)

// fakeChain scripts broadcast and confirmation-poll behavior. Statuses are
// consumed one per GetTransaction call; the last one repeats.
type fakeChain struct {
	mu         sync.Mutex
	broadcasts int
	rejectWith error
	statuses   []chain.TxStatus
	height     uint64
}

func (f *fakeChain) Broadcast(_ context.Context, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	if f.rejectWith != nil {
		return "", f.rejectWith
	}
	return "0xaccepted", nil
}

func (f *fakeChain) GetTransaction(_ context.Context, txid string) (*chain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := chain.TxStatusPending
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return &chain.Transaction{TxID: txid, Status: status, BlockHeight: f.height}, nil
}

func (f *fakeChain) GetFeeEstimates(context.Context) (*chain.FeeEstimates, error) {
	// Force the estimator onto its defaults.
	return nil, chain.ErrChainUnavailable
}

func (f *fakeChain) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts
}

// releaseCall captures one Release invocation on the fake sponsor.
type releaseCall struct {
	nonce uint64
	txid  string
	fee   uint64
}

// fakeSponsor hands out sequential nonces and records how each reservation
// was settled.
type fakeSponsor struct {
	mu       sync.Mutex
	key      stackstx.Wallet
	next     uint64
	releases []releaseCall
}

func (f *fakeSponsor) AssignNonce(context.Context) (coordinator.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nonce := f.next
	f.next++
	return coordinator.Assignment{Nonce: nonce, WalletIndex: 0, Address: f.key.Address.String()}, nil
}

func (f *fakeSponsor) Release(nonce uint64, _ int, txid string, fee uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, releaseCall{nonce: nonce, txid: txid, fee: fee})
}

func (f *fakeSponsor) RecordTxid(string, uint64, int) {}

func (f *fakeSponsor) SignSponsor(tx *stackstx.Transaction, _ int, nonce, fee uint64) error {
	return tx.SponsorSign(f.key.Key, nonce, fee)
}

func (f *fakeSponsor) lastRelease(t *testing.T) releaseCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.releases) == 0 {
		t.Fatal("no release recorded")
	}
	return f.releases[len(f.releases)-1]
}

type testRig struct {
	pipeline *Pipeline
	chain    *fakeChain
	sponsor  *fakeSponsor
	store    *storage.Storage
	origin   stackstx.Wallet
	receiver stackstx.Wallet
	network  config.Network
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	network, err := config.NetworkConfig("testnet")
	qt.Assert(t, err, qt.IsNil)

	origin, err := stackstx.WalletFromHex(fmt.Sprintf("%064x", 11), network.AddressVersion)
	qt.Assert(t, err, qt.IsNil)
	receiver, err := stackstx.WalletFromHex(fmt.Sprintf("%064x", 12), network.AddressVersion)
	qt.Assert(t, err, qt.IsNil)
	sponsorWallet, err := stackstx.WalletFromHex(fmt.Sprintf("%064x", 13), network.AddressVersion)
	qt.Assert(t, err, qt.IsNil)

	database, err := inmemory.New(db.Options{})
	qt.Assert(t, err, qt.IsNil)
	store := storage.New(database)
	t.Cleanup(store.Close)

	fc := &fakeChain{statuses: []chain.TxStatus{chain.TxStatusSuccess}, height: 1234}
	sponsor := &fakeSponsor{key: sponsorWallet, next: 100}
	pool := workers.New(1, 64)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Stop(ctx)
	})

	p := New(Config{
		Network:     network,
		Chain:       fc,
		Coordinator: sponsor,
		Stats:       stats.New(nil),
		Storage:     store,
		Fees:        fees.New(fc),
		Workers:     pool,
	})
	p.pollBudget = 300 * time.Millisecond
	p.pollInterval = 10 * time.Millisecond

	return &testRig{
		pipeline: p,
		chain:    fc,
		sponsor:  sponsor,
		store:    store,
		origin:   origin,
		receiver: receiver,
		network:  network,
	}
}

// pendingTransfer builds an origin-signed, sponsor-pending native transfer
// to the rig's receiver wallet.
func (r *testRig) pendingTransfer(t *testing.T, amount, nonce uint64) types.HexBytes {
	t.Helper()
	tx := stackstx.NewTokenTransfer(r.network.TransactionVersion, r.network.ChainID,
		r.receiver.Address, amount, 0, nonce, "test payment")
	tx.AuthType = stackstx.AuthTypeSponsored
	tx.Sponsor = &stackstx.SpendingCondition{
		HashMode:    stackstx.HashModeP2PKH,
		KeyEncoding: stackstx.KeyEncodingCompressed,
	}
	qt.Assert(t, tx.OriginSign(r.origin.Key), qt.IsNil)
	qt.Assert(t, tx.RequireSponsorPending(), qt.IsNil)
	return tx.Serialize()
}

func (r *testRig) settleOptions(minAmount uint64) types.SettleOptions {
	return types.SettleOptions{
		ExpectedRecipient: r.receiver.Address.String(),
		MinAmount:         types.NewBigInt(minAmount),
	}
}

// signRecoverable produces an r||s||v recoverable signature over digest
// with the wallet's key.
func signRecoverable(digest []byte, w stackstx.Wallet) (types.HexBytes, error) {
	return ethcrypto.Sign(digest, w.Key)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRelayConfirmsAndIssuesReceipt(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)
	req := &RelayRequest{
		Transaction: rig.pendingTransfer(t, 5000, 7),
		Settle:      rig.settleOptions(5000),
	}

	body, err := rig.pipeline.Relay(context.Background(), req)
	c.Assert(err, qt.IsNil)

	var resp RelayResponse
	c.Assert(json.Unmarshal(body, &resp), qt.IsNil)
	c.Assert(resp.Success, qt.IsTrue)
	c.Assert(resp.Txid, qt.Not(qt.Equals), "")
	c.Assert(resp.ReceiptID, qt.Not(qt.Equals), "")
	c.Assert(resp.Settlement.Status, qt.Equals, "confirmed")
	c.Assert(resp.Settlement.BlockHeight, qt.Equals, uint64(1234))
	c.Assert(resp.Settlement.Amount.String(), qt.Equals, "5000")

	// The sponsored bytes carry a verifiable fee-payer signature.
	sponsored, err := stackstx.Parse(resp.SponsoredTx)
	c.Assert(err, qt.IsNil)
	c.Assert(sponsored.AuthMode(), qt.Equals, stackstx.AuthSponsorSigned)
	c.Assert(sponsored.VerifySponsorSignature(), qt.IsNil)
	c.Assert(sponsored.Txid(), qt.Equals, resp.Txid)

	// The reservation was consumed with the default medium estimate.
	release := rig.sponsor.lastRelease(t)
	c.Assert(release.nonce, qt.Equals, uint64(100))
	c.Assert(release.txid, qt.Equals, resp.Txid)
	c.Assert(release.fee, qt.Equals, fees.DefaultEstimates.TokenTransfer.Medium)

	// The receipt lands asynchronously.
	waitFor(t, func() bool {
		_, err := rig.store.Receipt(resp.ReceiptID)
		return err == nil
	})
}

func TestRelayPollsThroughTransientDrop(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)
	rig.chain.statuses = []chain.TxStatus{
		"dropped_replace_by_fee",
		chain.TxStatusPending,
		chain.TxStatusSuccess,
	}
	req := &RelayRequest{
		Transaction: rig.pendingTransfer(t, 5000, 7),
		Settle:      rig.settleOptions(5000),
	}

	body, err := rig.pipeline.Relay(context.Background(), req)
	c.Assert(err, qt.IsNil)
	var resp RelayResponse
	c.Assert(json.Unmarshal(body, &resp), qt.IsNil)
	c.Assert(resp.Settlement.Status, qt.Equals, "confirmed")
}

func TestRelayTimeoutIsPendingSuccess(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)
	rig.chain.statuses = []chain.TxStatus{chain.TxStatusPending}
	req := &RelayRequest{
		Transaction: rig.pendingTransfer(t, 5000, 7),
		Settle:      rig.settleOptions(5000),
	}

	body, err := rig.pipeline.Relay(context.Background(), req)
	c.Assert(err, qt.IsNil)
	var resp RelayResponse
	c.Assert(json.Unmarshal(body, &resp), qt.IsNil)
	c.Assert(resp.Success, qt.IsTrue)
	c.Assert(resp.Settlement.Status, qt.Equals, "pending")

	// The broadcast stands: the nonce is consumed and the fee charged.
	release := rig.sponsor.lastRelease(t)
	c.Assert(release.txid, qt.Equals, resp.Txid)
	c.Assert(release.fee, qt.Not(qt.Equals), uint64(0))
}

func TestRelayAbortConsumesFee(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)
	rig.chain.statuses = []chain.TxStatus{"abort_by_response"}
	req := &RelayRequest{
		Transaction: rig.pendingTransfer(t, 5000, 7),
		Settle:      rig.settleOptions(5000),
	}

	_, err := rig.pipeline.Relay(context.Background(), req)
	var abort *AbortError
	c.Assert(errors.As(err, &abort), qt.IsTrue)
	c.Assert(abort.Status, qt.Equals, chain.TxStatus("abort_by_response"))

	// The chain mined the abort: nonce spent, fee charged.
	release := rig.sponsor.lastRelease(t)
	c.Assert(release.txid, qt.Equals, abort.Txid)
	c.Assert(release.fee, qt.Not(qt.Equals), uint64(0))
}

func TestRelayBroadcastConflictConsumesNonce(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)
	rig.chain.rejectWith = &chain.RejectionError{Reason: chain.RejectionConflictingNonce}
	req := &RelayRequest{
		Transaction: rig.pendingTransfer(t, 5000, 7),
		Settle:      rig.settleOptions(5000),
	}

	_, err := rig.pipeline.Relay(context.Background(), req)
	var bcast *BroadcastError
	c.Assert(errors.As(err, &bcast), qt.IsTrue)
	c.Assert(bcast.Conflict, qt.IsTrue)

	// The mempool holds the nonce, but no fee was charged.
	release := rig.sponsor.lastRelease(t)
	c.Assert(release.txid, qt.Not(qt.Equals), "")
	c.Assert(release.fee, qt.Equals, uint64(0))
}

func TestRelayBroadcastRejectionReturnsNonce(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)
	rig.chain.rejectWith = &chain.RejectionError{Reason: "FeeTooLow"}
	req := &RelayRequest{
		Transaction: rig.pendingTransfer(t, 5000, 7),
		Settle:      rig.settleOptions(5000),
	}

	_, err := rig.pipeline.Relay(context.Background(), req)
	var bcast *BroadcastError
	c.Assert(errors.As(err, &bcast), qt.IsTrue)
	c.Assert(bcast.Conflict, qt.IsFalse)

	// The chain never saw the nonce: back to the pool.
	release := rig.sponsor.lastRelease(t)
	c.Assert(release.txid, qt.Equals, "")
}

func TestRelayVerificationFailureBeforeBroadcast(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)
	req := &RelayRequest{
		Transaction: rig.pendingTransfer(t, 5000, 7),
		Settle:      rig.settleOptions(5001), // pays less than required
	}

	_, err := rig.pipeline.Relay(context.Background(), req)
	c.Assert(errors.Is(err, ErrVerificationFailed), qt.IsTrue)
	c.Assert(rig.chain.broadcastCount(), qt.Equals, 0)

	release := rig.sponsor.lastRelease(t)
	c.Assert(release.txid, qt.Equals, "")
	c.Assert(release.fee, qt.Equals, uint64(0))
}

func TestRelayRejectsNonSponsoredTransaction(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)
	tx := stackstx.NewTokenTransfer(rig.network.TransactionVersion, rig.network.ChainID,
		rig.receiver.Address, 5000, 180, 7, "standard")
	c.Assert(tx.OriginSign(rig.origin.Key), qt.IsNil)

	req := &RelayRequest{
		Transaction: tx.Serialize(),
		Settle:      rig.settleOptions(5000),
	}
	_, err := rig.pipeline.Relay(context.Background(), req)
	c.Assert(errors.Is(err, stackstx.ErrNotSponsored), qt.IsTrue)
	c.Assert(rig.chain.broadcastCount(), qt.Equals, 0)
}

func TestRelayRejectsMalformedOptions(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)
	req := &RelayRequest{
		Transaction: rig.pendingTransfer(t, 5000, 7),
		Settle: types.SettleOptions{
			ExpectedRecipient: rig.receiver.Address.String(),
			// minAmount missing
		},
	}
	_, err := rig.pipeline.Relay(context.Background(), req)
	c.Assert(errors.Is(err, ErrInvalidSettleOptions), qt.IsTrue)
}

func TestRelayDedupReplaysExactBody(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)
	req := &RelayRequest{
		Transaction: rig.pendingTransfer(t, 5000, 7),
		Settle:      rig.settleOptions(5000),
	}

	first, err := rig.pipeline.Relay(context.Background(), req)
	c.Assert(err, qt.IsNil)

	fingerprint, err := requestFingerprint(req.Transaction, &req.Settle)
	c.Assert(err, qt.IsNil)
	waitFor(t, func() bool {
		outcome, _, _ := rig.store.CheckPayload(fingerprint)
		return outcome == storage.DedupHit
	})

	second, err := rig.pipeline.Relay(context.Background(), req)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.Equal(first, second), qt.IsTrue)
	c.Assert(rig.chain.broadcastCount(), qt.Equals, 1)
}

func TestRelayOriginRateLimit(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)
	req := &RelayRequest{
		Transaction: rig.pendingTransfer(t, 5000, 7),
		Settle:      rig.settleOptions(5000),
	}

	first, err := rig.pipeline.Relay(context.Background(), req)
	c.Assert(err, qt.IsNil)
	fingerprint, err := requestFingerprint(req.Transaction, &req.Settle)
	c.Assert(err, qt.IsNil)
	waitFor(t, func() bool {
		outcome, _, _ := rig.store.CheckPayload(fingerprint)
		return outcome == storage.DedupHit
	})

	// Requests 2..10 are dedup replays but still count against the origin
	// window; the 11th is rejected.
	for range OriginRateLimit - 1 {
		body, err := rig.pipeline.Relay(context.Background(), req)
		c.Assert(err, qt.IsNil)
		c.Assert(bytes.Equal(body, first), qt.IsTrue)
	}
	_, err = rig.pipeline.Relay(context.Background(), req)
	var limited *RateLimitError
	c.Assert(errors.As(err, &limited), qt.IsTrue)
	c.Assert(limited.RetryAfter > 0, qt.IsTrue)
}

func TestRelayAuthBinding(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)

	sign := func(msg AuthMessage, w stackstx.Wallet) *AuthEnvelope {
		digest := rig.pipeline.authDigest(&msg)
		sig, err := signRecoverable(digest[:], w)
		c.Assert(err, qt.IsNil)
		return &AuthEnvelope{Signature: sig, Message: msg}
	}
	msg := AuthMessage{Action: "relay", Nonce: "n-1", Expiry: time.Now().Add(time.Minute).Unix()}

	req := &RelayRequest{
		Transaction: rig.pendingTransfer(t, 5000, 7),
		Settle:      rig.settleOptions(5000),
		Auth:        sign(msg, rig.origin),
	}
	_, err := rig.pipeline.Relay(context.Background(), req)
	c.Assert(err, qt.IsNil)

	// A signature from anyone but the transaction origin is refused.
	req.Transaction = rig.pendingTransfer(t, 5000, 8)
	req.Auth = sign(msg, rig.receiver)
	_, err = rig.pipeline.Relay(context.Background(), req)
	c.Assert(errors.Is(err, ErrAuthInvalid), qt.IsTrue)

	// Expired messages are refused before signature recovery.
	expired := msg
	expired.Expiry = time.Now().Add(-time.Minute).Unix()
	req.Auth = sign(expired, rig.origin)
	_, err = rig.pipeline.Relay(context.Background(), req)
	c.Assert(errors.Is(err, ErrAuthExpired), qt.IsTrue)
}

func TestVerifyIsLocalOnly(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)

	req := &FacilitatorRequest{}
	req.PaymentPayload.Payload.Transaction = rig.pendingTransfer(t, 5000, 7)
	req.PaymentRequirements = rig.settleOptions(5000)

	resp := rig.pipeline.Verify(req)
	c.Assert(resp.IsValid, qt.IsTrue)
	c.Assert(resp.Payer, qt.Equals, rig.origin.Address.String())
	c.Assert(rig.chain.broadcastCount(), qt.Equals, 0)

	req.PaymentRequirements = rig.settleOptions(9999)
	resp = rig.pipeline.Verify(req)
	c.Assert(resp.IsValid, qt.IsFalse)
	c.Assert(resp.InvalidReason, qt.Not(qt.Equals), "")
}

// sponsorSigned builds a fully sponsor-signed transfer for the settle
// surface.
func (r *testRig) sponsorSigned(t *testing.T, amount, nonce uint64) types.HexBytes {
	t.Helper()
	raw := r.pendingTransfer(t, amount, nonce)
	tx, err := stackstx.Parse(raw)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, tx.SponsorSign(r.sponsor.key.Key, 55, 2000), qt.IsNil)
	return tx.Serialize()
}

func TestSettleBroadcastsSponsorSigned(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)

	req := &FacilitatorRequest{}
	req.PaymentPayload.Payload.Transaction = rig.sponsorSigned(t, 5000, 7)
	req.PaymentPayload.Extensions = map[string]string{
		PaymentIdentifierExtension: "payment-abc-00000001",
	}
	req.PaymentRequirements = rig.settleOptions(5000)

	body, err := rig.pipeline.Settle(context.Background(), req)
	c.Assert(err, qt.IsNil)
	var resp SettleResponse
	c.Assert(json.Unmarshal(body, &resp), qt.IsNil)
	c.Assert(resp.Success, qt.IsTrue)
	c.Assert(resp.ReceiptID, qt.Not(qt.Equals), "")
	c.Assert(resp.Network, qt.Equals, "testnet")
	c.Assert(rig.chain.broadcastCount(), qt.Equals, 1)

	// Same identifier, same payload: byte-identical replay, no broadcast.
	waitFor(t, func() bool {
		outcome, _, _ := rig.store.CheckIdentifier("payment-abc-00000001", "")
		return outcome != storage.DedupMiss
	})
	replay, err := rig.pipeline.Settle(context.Background(), req)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.Equal(replay, body), qt.IsTrue)
	c.Assert(rig.chain.broadcastCount(), qt.Equals, 1)

	// Same identifier, different payload: conflict, cache untouched.
	conflicting := &FacilitatorRequest{}
	conflicting.PaymentPayload.Payload.Transaction = rig.sponsorSigned(t, 6000, 8)
	conflicting.PaymentPayload.Extensions = req.PaymentPayload.Extensions
	conflicting.PaymentRequirements = rig.settleOptions(6000)
	_, err = rig.pipeline.Settle(context.Background(), conflicting)
	c.Assert(errors.Is(err, ErrDedupConflict), qt.IsTrue)

	replay, err = rig.pipeline.Settle(context.Background(), req)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.Equal(replay, body), qt.IsTrue)
}

func TestSettleRejectsPendingSponsorship(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)

	req := &FacilitatorRequest{}
	req.PaymentPayload.Payload.Transaction = rig.pendingTransfer(t, 5000, 7)
	req.PaymentRequirements = rig.settleOptions(5000)

	// Failure is a body outcome, not an error status.
	body, err := rig.pipeline.Settle(context.Background(), req)
	c.Assert(err, qt.IsNil)
	var resp SettleResponse
	c.Assert(json.Unmarshal(body, &resp), qt.IsNil)
	c.Assert(resp.Success, qt.IsFalse)
	c.Assert(resp.ErrorReason, qt.Not(qt.Equals), "")
	c.Assert(rig.chain.broadcastCount(), qt.Equals, 0)
}

func TestSettleRejectsMalformedIdentifier(t *testing.T) {
	c := qt.New(t)
	rig := newTestRig(t)

	req := &FacilitatorRequest{}
	req.PaymentPayload.Payload.Transaction = rig.sponsorSigned(t, 5000, 7)
	req.PaymentPayload.Extensions = map[string]string{
		PaymentIdentifierExtension: "bad id!", // spaces and punctuation
	}
	req.PaymentRequirements = rig.settleOptions(5000)

	_, err := rig.pipeline.Settle(context.Background(), req)
	c.Assert(errors.Is(err, ErrInvalidSettleOptions), qt.IsTrue)
	c.Assert(rig.chain.broadcastCount(), qt.Equals, 0)
}

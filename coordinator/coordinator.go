/*
Package coordinator implements the sponsor-wallet nonce coordinator: the
single owner of every reservation pool, the round-robin wallet selector,
the chaining-limit backpressure, and the background reconciler that detects
nonce gaps against the chain and fills them with minimal self transfers.

All mutating operations serialize on one mutex. The coordinator is a
hotspot by design: it is the only place correctness depends on a global
total order, and its critical sections are O(1) or O(ChainingLimit). The
rest of the service stays fully parallel.
*/
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/chain"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stackstx"
)

const (
	// ChainingLimit is the maximum number of in-flight reservations per
	// wallet, matching the chain mempool's unconfirmed-chain tolerance.
	ChainingLimit = 20
	// PoolSeedSize is the initial nonce window seeded per wallet.
	PoolSeedSize = 20
	// AlarmInterval is the reconciliation cadence.
	AlarmInterval = 5 * time.Minute
	// StaleThreshold is the age after which an orphaned reservation is
	// returned to the pool.
	StaleThreshold = 10 * time.Minute
	// GapFillAmount is the self-transfer amount used to occupy a gap nonce.
	GapFillAmount = 1
	// GapFillFee is the fee attached to gap-fill transactions.
	GapFillFee = 30_000
	// MaxGapFillsPerCycle caps gap-fill broadcasts per reconciliation pass.
	MaxGapFillsPerCycle = 5

	// txidRetention is how long the txid → nonce diagnostic table keeps
	// entries before pruning.
	txidRetention = 24 * time.Hour
)

// ChainAPI is the slice of the chain client the coordinator needs: nonce
// lookups for seeding and reconciliation, broadcasts for gap fills.
type ChainAPI interface {
	GetNonceInfo(ctx context.Context, address string) (*chain.NonceInfo, error)
	Broadcast(ctx context.Context, txBytes []byte) (string, error)
}

// ErrChainingLimit signals that every sponsor wallet is at its in-flight
// reservation cap. Callers should retry after the drain hint.
type ErrChainingLimit struct {
	// MempoolDepth is the total number of in-flight reservations across
	// all wallets at the time of the failure.
	MempoolDepth int
}

func (e *ErrChainingLimit) Error() string {
	return fmt.Sprintf("all sponsor wallets at chaining limit (mempool depth %d)", e.MempoolDepth)
}

// RetryAfter estimates the seconds until enough reservations drain for a
// retry to succeed: roughly one confirmation per two pending transactions.
func (e *ErrChainingLimit) RetryAfter() int {
	secs := e.MempoolDepth / 2
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Assignment is a successful nonce reservation.
type Assignment struct {
	Nonce       uint64
	WalletIndex int
	Address     string
}

// txidRecord maps a broadcast txid to the nonce and wallet it consumed.
// Operator diagnostics only; pruned after txidRetention.
type txidRecord struct {
	Nonce       uint64    `cbor:"nonce"`
	WalletIndex int       `cbor:"walletIndex"`
	RecordedAt  time.Time `cbor:"recordedAt"`
}

// counters aggregates the coordinator's lifetime diagnostics.
type counters struct {
	TotalAssigned     uint64    `cbor:"totalAssigned"`
	ConflictsDetected uint64    `cbor:"conflictsDetected"`
	GapsRecovered     uint64    `cbor:"gapsRecovered"`
	GapsFilled        uint64    `cbor:"gapsFilled"`
	LastChainSync     time.Time `cbor:"lastChainSync"`
	LastGapDetected   time.Time `cbor:"lastGapDetected"`
}

// Coordinator owns the sponsor wallets, their reservation pools and fee
// ledgers. All access goes through its methods; private keys never leave
// this package.
type Coordinator struct {
	mu      sync.Mutex
	network config.Network
	chain   ChainAPI
	wallets []stackstx.Wallet

	pools      map[int]*reservationPool
	feeStats   map[int]*walletFeeStats
	nextWallet int
	counters   counters
	txidNonces map[string]*txidRecord

	store *stateStore // nil disables persistence

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a coordinator over the given wallet set. Pools are loaded
// from the persisted state when present and otherwise seeded lazily from
// the chain on first assignment. Call Start to run the reconciler.
func New(network config.Network, chainAPI ChainAPI, wallets []stackstx.Wallet, store *stateStore) (*Coordinator, error) {
	if len(wallets) < 1 || len(wallets) > stackstx.MaxWalletCount {
		return nil, fmt.Errorf("wallet count %d out of range [1,%d]", len(wallets), stackstx.MaxWalletCount)
	}
	c := &Coordinator{
		network:    network,
		chain:      chainAPI,
		wallets:    wallets,
		pools:      make(map[int]*reservationPool),
		feeStats:   make(map[int]*walletFeeStats),
		txidNonces: make(map[string]*txidRecord),
		store:      store,
		stopCh:     make(chan struct{}),
	}
	c.loadState()
	return c, nil
}

// Start launches the background reconciler. It stops when ctx is done or
// Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(AlarmInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Reconcile(ctx)
			}
		}
	}()
}

// Stop halts the reconciler. Idempotent.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// WalletCount returns the size of the sponsor fleet.
func (c *Coordinator) WalletCount() int {
	return len(c.wallets)
}

// AssignNonce reserves the next nonce, round-robin across wallets starting
// at the cursor. A wallet at its chaining limit is skipped and its depth
// accumulated; if every wallet is saturated the call fails with
// *ErrChainingLimit carrying the total depth.
func (c *Coordinator) AssignNonce(ctx context.Context) (Assignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	depth := 0
	for i := range c.wallets {
		idx := (c.nextWallet + i) % len(c.wallets)
		pool, err := c.poolFor(ctx, idx)
		if err != nil {
			log.Warnw("could not initialize nonce pool", "wallet", idx, "error", err)
			continue
		}
		if len(pool.Reserved) >= ChainingLimit {
			depth += len(pool.Reserved)
			continue
		}
		nonce := pool.take(now)
		c.nextWallet = (idx + 1) % len(c.wallets)
		c.counters.TotalAssigned++
		c.persistWallet(idx)
		return Assignment{
			Nonce:       nonce,
			WalletIndex: idx,
			Address:     c.wallets[idx].Address.String(),
		}, nil
	}
	if depth == 0 {
		return Assignment{}, fmt.Errorf("no sponsor wallet pool could be initialized: %w", chain.ErrChainUnavailable)
	}
	return Assignment{}, &ErrChainingLimit{MempoolDepth: depth}
}

// Release finishes a reservation. With an empty txid the transaction never
// reached the chain and the nonce returns to the available window. With a
// txid the chain has the nonce: it is consumed, and a non-zero fee is
// added to the wallet's ledgers. Releasing an unknown nonce is a no-op.
func (c *Coordinator) Release(nonce uint64, walletIndex int, txid string, fee uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pool, ok := c.pools[walletIndex]
	if !ok {
		return
	}
	if _, reserved := pool.Reserved[nonce]; !reserved {
		return
	}
	delete(pool.Reserved, nonce)
	if txid == "" {
		pool.putBack(nonce)
	} else {
		c.txidNonces[txid] = &txidRecord{
			Nonce:       nonce,
			WalletIndex: walletIndex,
			RecordedAt:  time.Now().UTC(),
		}
		if fee > 0 {
			c.feeStatsFor(walletIndex).record(fee, time.Now().UTC())
		}
	}
	c.persistWallet(walletIndex)
}

// RecordTxid links a broadcast txid to its reserved nonce before release,
// so the stale-reservation sweep can tell in-flight nonces from orphans.
func (c *Coordinator) RecordTxid(txid string, nonce uint64, walletIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txidNonces[txid] = &txidRecord{
		Nonce:       nonce,
		WalletIndex: walletIndex,
		RecordedAt:  time.Now().UTC(),
	}
}

// NonceForTxid looks up the nonce a txid consumed, for diagnostics.
func (c *Coordinator) NonceForTxid(txid string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.txidNonces[txid]
	if !ok {
		return 0, false
	}
	return rec.Nonce, true
}

// SignSponsor fills the fee-payer slot of tx with the wallet's key at the
// given nonce and fee. Keys never leave the coordinator; callers hand in
// the parsed transaction and get it back sponsor-signed.
func (c *Coordinator) SignSponsor(tx *stackstx.Transaction, walletIndex int, nonce, fee uint64) error {
	if walletIndex < 0 || walletIndex >= len(c.wallets) {
		return fmt.Errorf("wallet index %d out of range [0,%d)", walletIndex, len(c.wallets))
	}
	return tx.SponsorSign(c.wallets[walletIndex].Key, nonce, fee)
}

// poolFor returns the wallet's pool, lazily seeding it from the chain on
// first touch. If the persisted pool belongs to a different address the
// derived key changed, so the pool is discarded and re-seeded.
func (c *Coordinator) poolFor(ctx context.Context, walletIndex int) (*reservationPool, error) {
	address := c.wallets[walletIndex].Address.String()
	if pool, ok := c.pools[walletIndex]; ok {
		if pool.Address == address {
			return pool, nil
		}
		log.Warnw("sponsor wallet address changed, discarding pool",
			"wallet", walletIndex, "old", pool.Address, "new", address)
		delete(c.pools, walletIndex)
	}
	info, err := c.chain.GetNonceInfo(ctx, address)
	if err != nil {
		return nil, err
	}
	c.counters.LastChainSync = time.Now().UTC()
	pool := newPool(address, info.PossibleNextNonce)
	c.pools[walletIndex] = pool
	log.Infow("nonce pool seeded", "wallet", walletIndex, "address", address,
		"nextNonce", info.PossibleNextNonce)
	return pool, nil
}

func (c *Coordinator) feeStatsFor(walletIndex int) *walletFeeStats {
	fs, ok := c.feeStats[walletIndex]
	if !ok {
		fs = &walletFeeStats{}
		c.feeStats[walletIndex] = fs
	}
	return fs
}

// hasRecordedTxid reports whether any txid record points at the nonce.
func (c *Coordinator) hasRecordedTxid(walletIndex int, nonce uint64) bool {
	for _, rec := range c.txidNonces {
		if rec.WalletIndex == walletIndex && rec.Nonce == nonce {
			return true
		}
	}
	return false
}

// cleanStaleReservations returns reservations older than StaleThreshold
// with no broadcast txid to the available window. These are orphans left
// by crashed or cancelled callers.
func (c *Coordinator) cleanStaleReservations(walletIndex int, pool *reservationPool, now time.Time) {
	var stale []uint64
	for nonce, at := range pool.Reserved {
		if now.Sub(at) > StaleThreshold && !c.hasRecordedTxid(walletIndex, nonce) {
			stale = append(stale, nonce)
		}
	}
	for _, nonce := range stale {
		delete(pool.Reserved, nonce)
		pool.putBack(nonce)
	}
	if len(stale) > 0 {
		log.Infow("stale reservations recovered", "wallet", walletIndex, "count", len(stale))
	}
}

// Reconcile runs one reconciliation pass over every initialized wallet:
// gap recovery, gap fill, forward bump, runaway reset and stale cleanup.
// Failures are logged and retried next cycle; they never surface to
// request callers.
func (c *Coordinator) Reconcile(ctx context.Context) {
	c.mu.Lock()
	indexes := make([]int, 0, len(c.pools))
	for idx := range c.pools {
		indexes = append(indexes, idx)
	}
	c.mu.Unlock()
	slices.Sort(indexes)

	for _, idx := range indexes {
		c.reconcileWallet(ctx, idx)
	}
	c.pruneTxids()
}

// reconcileWallet holds the coordinator lock across the chain round-trip.
// The latency floor on concurrent AssignNonce calls during this window is
// accepted; correctness needs the pool frozen while it is compared with
// the chain's view.
func (c *Coordinator) reconcileWallet(ctx context.Context, idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pool, ok := c.pools[idx]
	if !ok {
		return
	}
	info, err := c.chain.GetNonceInfo(ctx, pool.Address)
	if err != nil {
		log.Warnw("reconciliation skipped, chain unavailable", "wallet", idx, "error", err)
		return
	}
	now := time.Now().UTC()
	c.counters.LastChainSync = now

	if len(info.DetectedMissingNonces) > 0 {
		c.counters.LastGapDetected = now
		lowest := slices.Min(info.DetectedMissingNonces)
		if pool.head() > lowest {
			// The pool ran past a gap: rewind so the gap nonce is handed
			// out next. Reserved nonces stay untouched.
			pool.rebuild(lowest)
			c.counters.GapsRecovered++
			c.counters.ConflictsDetected++
			log.Infow("nonce gap recovered", "wallet", idx, "gap", lowest, "head", pool.head())
		} else {
			c.fillGaps(ctx, idx, info.DetectedMissingNonces)
		}
	} else if info.PossibleNextNonce > pool.head() {
		// The chain advanced past the pool, e.g. after an external send
		// from the same wallet. Jump forward.
		pool.rebuild(info.PossibleNextNonce)
		log.Infow("nonce pool bumped forward", "wallet", idx, "nextNonce", info.PossibleNextNonce)
	} else if now.Sub(pool.LastAssign) > StaleThreshold && pool.head() > info.PossibleNextNonce {
		// No recent assignments and the pool is ahead of the chain:
		// runaway state, reset to the chain's view.
		pool.rebuild(info.PossibleNextNonce)
		log.Warnw("nonce pool reset from runaway state", "wallet", idx,
			"nextNonce", info.PossibleNextNonce)
	}

	c.cleanStaleReservations(idx, pool, now)
	c.persistWallet(idx)
}

// fillGaps broadcasts minimal self transfers to occupy gap nonces that the
// pool will not reach on its own. A conflicting-nonce rejection means the
// gap is already occupied in the mempool and is skipped silently.
func (c *Coordinator) fillGaps(ctx context.Context, idx int, gaps []uint64) {
	gaps = slices.Clone(gaps)
	slices.Sort(gaps)
	if len(gaps) > MaxGapFillsPerCycle {
		gaps = gaps[:MaxGapFillsPerCycle]
	}
	recipient, err := stackstx.ParseAddress(c.network.GapFillRecipient)
	if err != nil {
		log.Errorw(err, "invalid gap-fill recipient address")
		return
	}
	for _, gap := range gaps {
		tx := stackstx.NewTokenTransfer(
			c.network.TransactionVersion, c.network.ChainID,
			recipient, GapFillAmount, GapFillFee, gap, "gap-fill")
		if err := tx.OriginSign(c.wallets[idx].Key); err != nil {
			log.Errorw(err, "could not sign gap-fill transaction")
			return
		}
		txid, err := c.chain.Broadcast(ctx, tx.Serialize())
		if err != nil {
			var rej *chain.RejectionError
			if errors.As(err, &rej) && rej.IsConflictingNonce() {
				log.Debugw("gap already occupied in mempool", "wallet", idx, "nonce", gap)
				continue
			}
			log.Warnw("gap-fill broadcast failed", "wallet", idx, "nonce", gap, "error", err)
			continue
		}
		c.counters.GapsFilled++
		log.Infow("gap filled", "wallet", idx, "nonce", gap, "txid", txid)
	}
}

// pruneTxids drops diagnostic txid records older than txidRetention.
func (c *Coordinator) pruneTxids() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().UTC().Add(-txidRetention)
	for txid, rec := range c.txidNonces {
		if rec.RecordedAt.Before(cutoff) {
			delete(c.txidNonces, txid)
		}
	}
}

// ResetWallet discards the wallet's pool and re-seeds it from the chain's
// current view, dropping any reservations. Operator escape hatch behind
// the nonce-reset endpoint.
func (c *Coordinator) ResetWallet(ctx context.Context, walletIndex int) (previous, next uint64, err error) {
	if walletIndex < 0 || walletIndex >= len(c.wallets) {
		return 0, 0, fmt.Errorf("wallet index %d out of range [0,%d)", walletIndex, len(c.wallets))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	address := c.wallets[walletIndex].Address.String()
	if pool, ok := c.pools[walletIndex]; ok {
		previous = pool.head()
	}
	info, err := c.chain.GetNonceInfo(ctx, address)
	if err != nil {
		return 0, 0, err
	}
	c.counters.LastChainSync = time.Now().UTC()
	c.pools[walletIndex] = newPool(address, info.PossibleNextNonce)
	c.persistWallet(walletIndex)
	log.Infow("nonce pool reset", "wallet", walletIndex, "previous", previous,
		"next", info.PossibleNextNonce)
	return previous, info.PossibleNextNonce, nil
}

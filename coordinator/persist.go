package coordinator

import (
	"fmt"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/db"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/db/prefixeddb"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/storage"
)

// Key layout under the nc/ namespace:
//
//	nc/p/{wallet}  → reservationPool
//	nc/f/{wallet}  → walletFeeStats
//	nc/c           → counters + cursor
var (
	statePrefix = []byte("nc/")
	poolKey     = "p/%d"
	feeKey      = "f/%d"
	countersKey = []byte("c")
)

// stateStore persists coordinator state across restarts so an in-flight
// reservation window survives a process bounce.
type stateStore struct {
	db db.Database
}

// NewStateStore wraps a database for coordinator persistence. A nil
// database disables persistence (used by tests).
func NewStateStore(database db.Database) *stateStore {
	if database == nil {
		return nil
	}
	return &stateStore{db: database}
}

type persistedCursor struct {
	NextWallet int      `cbor:"nextWallet"`
	Counters   counters `cbor:"counters"`
}

func (s *stateStore) set(key []byte, artifact any) error {
	data, err := storage.EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedDatabase(s.db, statePrefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

func (s *stateStore) get(key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, statePrefix).Get(key)
	if err != nil {
		return err
	}
	return storage.DecodeArtifact(data, out)
}

// persistWallet writes the wallet's pool, fee ledger and the shared cursor.
// Best-effort: persistence failures are logged, never surfaced, since the
// authoritative state is in memory and reconciliation self-heals.
func (c *Coordinator) persistWallet(walletIndex int) {
	if c.store == nil {
		return
	}
	pool := c.pools[walletIndex]
	if pool != nil {
		if err := c.store.set(fmt.Appendf(nil, poolKey, walletIndex), pool); err != nil {
			log.Warnw("could not persist nonce pool", "wallet", walletIndex, "error", err)
		}
	}
	if fs, ok := c.feeStats[walletIndex]; ok {
		if err := c.store.set(fmt.Appendf(nil, feeKey, walletIndex), fs); err != nil {
			log.Warnw("could not persist fee stats", "wallet", walletIndex, "error", err)
		}
	}
	cur := persistedCursor{NextWallet: c.nextWallet, Counters: c.counters}
	if err := c.store.set(countersKey, &cur); err != nil {
		log.Warnw("could not persist coordinator counters", "error", err)
	}
}

// loadState restores pools, ledgers and counters from the database. Pools
// whose address no longer matches the derived wallet are discarded lazily
// by poolFor.
func (c *Coordinator) loadState() {
	if c.store == nil {
		return
	}
	for idx := range c.wallets {
		pool := &reservationPool{}
		if err := c.store.get(fmt.Appendf(nil, poolKey, idx), pool); err == nil {
			if pool.Reserved == nil {
				pool.Reserved = make(map[uint64]time.Time)
			}
			c.pools[idx] = pool
		}
		fs := &walletFeeStats{}
		if err := c.store.get(fmt.Appendf(nil, feeKey, idx), fs); err == nil {
			c.feeStats[idx] = fs
		}
	}
	cur := persistedCursor{}
	if err := c.store.get(countersKey, &cur); err == nil {
		c.nextWallet = cur.NextWallet % len(c.wallets)
		c.counters = cur.Counters
	}
	if len(c.pools) > 0 {
		log.Infow("coordinator state restored", "pools", len(c.pools),
			"totalAssigned", c.counters.TotalAssigned)
	}
}

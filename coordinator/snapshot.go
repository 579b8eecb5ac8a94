package coordinator

import (
	"slices"
	"time"
)

// WalletSnapshot is the diagnostic view of one wallet's pool and ledgers.
type WalletSnapshot struct {
	WalletIndex    int    `json:"walletIndex"`
	Address        string `json:"address"`
	Head           uint64 `json:"head"`
	MaxNonce       uint64 `json:"maxNonce"`
	Available      int    `json:"available"`
	Reserved       int    `json:"reserved"`
	OldestReserved string `json:"oldestReserved,omitempty"`

	TotalFeesSpent uint64 `json:"totalFeesSpent"`
	TxCount        uint64 `json:"txCount"`
	FeesToday      uint64 `json:"feesToday"`
	TxCountToday   uint64 `json:"txCountToday"`
}

// Snapshot is the composite diagnostic view behind the nonce-stats
// endpoint.
type Snapshot struct {
	Wallets           []WalletSnapshot `json:"wallets"`
	NextWalletIndex   int              `json:"nextWalletIndex"`
	TotalAssigned     uint64           `json:"totalAssigned"`
	ConflictsDetected uint64           `json:"conflictsDetected"`
	GapsRecovered     uint64           `json:"gapsRecovered"`
	GapsFilled        uint64           `json:"gapsFilled"`
	LastChainSync     time.Time        `json:"lastChainSync,omitzero"`
	LastGapDetected   time.Time        `json:"lastGapDetected,omitzero"`
	TrackedTxids      int              `json:"trackedTxids"`
}

// Snapshot captures the coordinator's current state for diagnostics.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	snap := Snapshot{
		NextWalletIndex:   c.nextWallet,
		TotalAssigned:     c.counters.TotalAssigned,
		ConflictsDetected: c.counters.ConflictsDetected,
		GapsRecovered:     c.counters.GapsRecovered,
		GapsFilled:        c.counters.GapsFilled,
		LastChainSync:     c.counters.LastChainSync,
		LastGapDetected:   c.counters.LastGapDetected,
		TrackedTxids:      len(c.txidNonces),
	}
	indexes := make([]int, 0, len(c.pools))
	for idx := range c.pools {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)
	for _, idx := range indexes {
		pool := c.pools[idx]
		ws := WalletSnapshot{
			WalletIndex: idx,
			Address:     pool.Address,
			Head:        pool.head(),
			MaxNonce:    pool.MaxNonce,
			Available:   len(pool.Available),
			Reserved:    len(pool.Reserved),
		}
		var oldest time.Time
		for _, at := range pool.Reserved {
			if oldest.IsZero() || at.Before(oldest) {
				oldest = at
			}
		}
		if !oldest.IsZero() {
			ws.OldestReserved = now.Sub(oldest).Truncate(time.Second).String()
		}
		if fs, ok := c.feeStats[idx]; ok {
			ws.TotalFeesSpent = fs.TotalFeesSpent
			ws.TxCount = fs.TxCount
			ws.FeesToday, ws.TxCountToday = fs.today(now)
		}
		snap.Wallets = append(snap.Wallets, ws)
	}
	return snap
}

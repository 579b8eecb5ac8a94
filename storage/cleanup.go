package storage

import (
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
)

// monitorExpired runs the TTL sweep in the background until Close.
func (s *Storage) monitorExpired() {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweepExpired()
			}
		}
	}()
}

// sweepExpired removes receipts and dedup entries past their TTL.
func (s *Storage) sweepExpired() {
	now := time.Now()
	removed := 0

	removed += s.sweepPrefix(receiptPrefix, func(data []byte) bool {
		r := &PaymentReceipt{}
		if err := DecodeArtifact(data, r); err != nil {
			return true // drop undecodable entries
		}
		return !r.Valid(now)
	})
	for _, prefix := range [][]byte{dedupHashPrefix, dedupIDPrefix} {
		removed += s.sweepPrefix(prefix, func(data []byte) bool {
			e := &DedupEntry{}
			if err := DecodeArtifact(data, e); err != nil {
				return true
			}
			return e.expired(now)
		})
	}
	if removed > 0 {
		log.Debugw("expired entries swept", "removed", removed)
	}
}

// sweepPrefix deletes every entry under prefix for which expired returns
// true, returning how many were removed. Iterate hands back full keys, so
// the deletes reuse them as-is.
func (s *Storage) sweepPrefix(prefix []byte, expired func([]byte) bool) int {
	var stale [][]byte
	err := s.db.Iterate(prefix, func(key, value []byte) bool {
		if expired(value) {
			k := make([]byte, len(key))
			copy(k, key)
			stale = append(stale, k)
		}
		return true
	})
	if err != nil {
		log.Warnw("ttl sweep iteration failed", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	for _, key := range stale {
		if err := wTx.Delete(key); err != nil {
			log.Warnw("could not delete expired entry", "error", err)
		}
	}
	if err := wTx.Commit(); err != nil {
		log.Warnw("ttl sweep commit failed", "error", err)
		return 0
	}
	return len(stale)
}

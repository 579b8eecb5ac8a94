package stats

import (
	"slices"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/db"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/db/prefixeddb"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

// Key layout under the st/ namespace:
//
//	st/d/{YYYY-MM-DD}     → DailyRow
//	st/h/{YYYY-MM-DD:HH}  → HourlyRow
//	st/l/{RFC3339Nano}    → TxLogEntry
var (
	statsPrefix     = []byte("st/")
	dailyRowPrefix  = "d/"
	hourlyRowPrefix = "h/"
	txLogPrefix     = "l/"
)

// rowStore persists stats rows so the dashboard survives restarts.
type rowStore struct {
	db db.Database
}

func newRowStore(database db.Database) *rowStore {
	if database == nil {
		return nil
	}
	return &rowStore{db: database}
}

func (s *rowStore) set(key string, artifact any) error {
	data, err := storage.EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedDatabase(s.db, statsPrefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Set([]byte(key), data); err != nil {
		return err
	}
	return wTx.Commit()
}

func (s *rowStore) delete(key string) {
	wTx := prefixeddb.NewPrefixedDatabase(s.db, statsPrefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Delete([]byte(key)); err == nil {
		_ = wTx.Commit()
	}
}

// persistRows writes the touched rows, best-effort. Called with the
// aggregator lock held; row encoding is cheap and keeps the on-disk view
// consistent with memory.
func (a *Aggregator) persistRows(day *DailyRow, hour *HourlyRow, entry *TxLogEntry) {
	if a.store == nil {
		return
	}
	if day != nil {
		if err := a.store.set(dailyRowPrefix+day.Date, day); err != nil {
			log.Warnw("could not persist daily stats row", "date", day.Date, "error", err)
		}
	}
	if hour != nil {
		if err := a.store.set(hourlyRowPrefix+hour.Hour, hour); err != nil {
			log.Warnw("could not persist hourly stats row", "hour", hour.Hour, "error", err)
		}
	}
	if entry != nil {
		key := txLogPrefix + entry.Timestamp.Format(time.RFC3339Nano)
		if err := a.store.set(key, entry); err != nil {
			log.Warnw("could not persist tx log entry", "error", err)
		}
	}
}

func (a *Aggregator) deleteRow(prefix, key string) {
	if a.store == nil {
		return
	}
	a.store.delete(prefix + key)
}

func (a *Aggregator) deleteLogEntries(entries []*TxLogEntry) {
	if a.store == nil {
		return
	}
	for _, e := range entries {
		a.store.delete(txLogPrefix + e.Timestamp.Format(time.RFC3339Nano))
	}
}

// loadRows restores persisted rows at startup.
func (a *Aggregator) loadRows() {
	if a.store == nil {
		return
	}
	reader := prefixeddb.NewPrefixedReader(a.store.db, statsPrefix)
	err := reader.Iterate(nil, func(key, value []byte) bool {
		k := string(key)
		switch {
		case len(k) > len(dailyRowPrefix) && k[:len(dailyRowPrefix)] == dailyRowPrefix:
			row := &DailyRow{}
			if err := storage.DecodeArtifact(value, row); err == nil && row.Date != "" {
				if row.Tokens == nil {
					row.Tokens = make(map[types.TokenType]*TokenAgg)
				}
				if row.Endpoints == nil {
					row.Endpoints = make(map[string]*EndpointAgg)
				}
				if row.Errors == nil {
					row.Errors = make(map[ErrorCategory]uint64)
				}
				a.daily[row.Date] = row
			}
		case len(k) > len(hourlyRowPrefix) && k[:len(hourlyRowPrefix)] == hourlyRowPrefix:
			row := &HourlyRow{}
			if err := storage.DecodeArtifact(value, row); err == nil && row.Hour != "" {
				a.hourly[row.Hour] = row
			}
		case len(k) > len(txLogPrefix) && k[:len(txLogPrefix)] == txLogPrefix:
			entry := &TxLogEntry{}
			if err := storage.DecodeArtifact(value, entry); err == nil {
				a.txlog = append(a.txlog, entry)
			}
		}
		return true
	})
	if err != nil {
		log.Warnw("could not restore stats rows", "error", err)
	}
	slices.SortFunc(a.txlog, func(x, y *TxLogEntry) int {
		return x.Timestamp.Compare(y.Timestamp)
	})
	if len(a.daily) > 0 || len(a.txlog) > 0 {
		log.Infow("stats restored", "dailyRows", len(a.daily),
			"hourlyRows", len(a.hourly), "txLogEntries", len(a.txlog))
	}
}

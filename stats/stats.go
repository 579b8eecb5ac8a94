/*
Package stats implements the relay's telemetry aggregator: per-day and
per-hour counter rows, a rolling transaction log, and the composite
overview behind the dashboard endpoint.

All writes are fire-and-forget from the caller's point of view; the
settlement path submits records through the background worker pool and
never waits for persistence. Internally a single mutex guards the row
maps, with contention limited to the rows for "today" and "this hour".
*/
package stats

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/db"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

// Retention windows.
const (
	TxLogRetention  = 7 * 24 * time.Hour
	HourlyRetention = 48 * time.Hour
	DailyRetention  = 90 * 24 * time.Hour

	pruneInterval = 10 * time.Minute

	// MaxTxLogLimit caps the rows a single log query returns.
	MaxTxLogLimit = 200
)

// ErrorCategory buckets failures for the error counters.
type ErrorCategory string

const (
	ErrorValidation ErrorCategory = "validation"
	ErrorRateLimit  ErrorCategory = "rateLimit"
	ErrorSponsoring ErrorCategory = "sponsoring"
	ErrorSettlement ErrorCategory = "settlement"
	ErrorInternal   ErrorCategory = "internal"
)

// TokenAgg is one token's share of a daily row.
type TokenAgg struct {
	Count  uint64        `cbor:"count" json:"count"`
	Volume *types.BigInt `cbor:"volume" json:"volume"`
}

// EndpointAgg is one endpoint's share of a daily row.
type EndpointAgg struct {
	Success      uint64 `cbor:"success" json:"success"`
	Failed       uint64 `cbor:"failed" json:"failed"`
	ClientErrors uint64 `cbor:"clientErrors" json:"clientErrors"`
}

// DailyRow aggregates one UTC day.
type DailyRow struct {
	Date         string                         `cbor:"date" json:"date"`
	Total        uint64                         `cbor:"total" json:"total"`
	Success      uint64                         `cbor:"success" json:"success"`
	Failed       uint64                         `cbor:"failed" json:"failed"`
	ClientErrors uint64                         `cbor:"clientErrors" json:"clientErrors"`
	Tokens       map[types.TokenType]*TokenAgg  `cbor:"tokens" json:"tokens"`
	Endpoints    map[string]*EndpointAgg        `cbor:"endpoints" json:"endpoints"`
	Errors       map[ErrorCategory]uint64       `cbor:"errors" json:"errors"`
	FeeSum       uint64                         `cbor:"feeSum" json:"feeSum"`
	FeeCount     uint64                         `cbor:"feeCount" json:"feeCount"`
	FeeMin       uint64                         `cbor:"feeMin" json:"feeMin"`
	FeeMax       uint64                         `cbor:"feeMax" json:"feeMax"`
}

func newDailyRow(date string) *DailyRow {
	return &DailyRow{
		Date:      date,
		Tokens:    make(map[types.TokenType]*TokenAgg),
		Endpoints: make(map[string]*EndpointAgg),
		Errors:    make(map[ErrorCategory]uint64),
	}
}

// HourlyRow aggregates one UTC hour, keyed "YYYY-MM-DD:HH".
type HourlyRow struct {
	Hour    string `cbor:"hour" json:"hour"`
	Total   uint64 `cbor:"total" json:"transactions"`
	Success uint64 `cbor:"success" json:"success"`
	Failed  uint64 `cbor:"failed" json:"failed"`
}

// TxLogEntry is one settled (or failed) transaction in the rolling log.
type TxLogEntry struct {
	Timestamp   time.Time       `cbor:"timestamp" json:"timestamp"`
	Endpoint    string          `cbor:"endpoint" json:"endpoint"`
	Success     bool            `cbor:"success" json:"success"`
	ClientError bool            `cbor:"clientError" json:"clientError"`
	TokenType   types.TokenType `cbor:"tokenType" json:"tokenType"`
	Amount      *types.BigInt   `cbor:"amount" json:"amount"`
	Fee         uint64          `cbor:"fee" json:"fee"`
	Txid        string          `cbor:"txid,omitempty" json:"txid,omitempty"`
	Sender      string          `cbor:"sender,omitempty" json:"sender,omitempty"`
	Recipient   string          `cbor:"recipient,omitempty" json:"recipient,omitempty"`
	Status      string          `cbor:"status,omitempty" json:"status,omitempty"`
	BlockHeight uint64          `cbor:"blockHeight,omitempty" json:"blockHeight,omitempty"`
}

// Record is the input to RecordTransaction.
type Record struct {
	Endpoint    string
	Success     bool
	ClientError bool
	TokenType   types.TokenType
	Amount      *types.BigInt
	Fee         uint64
	HasFee      bool
	Txid        string
	Sender      string
	Recipient   string
	Status      string
	BlockHeight uint64
}

// Aggregator owns every stats table. Create with New, stop with the
// context handed to Start.
type Aggregator struct {
	mu     sync.Mutex
	daily  map[string]*DailyRow
	hourly map[string]*HourlyRow
	txlog  []*TxLogEntry

	store *rowStore // nil disables persistence
}

// New creates an aggregator, restoring persisted rows when a database is
// given.
func New(database db.Database) *Aggregator {
	a := &Aggregator{
		daily:  make(map[string]*DailyRow),
		hourly: make(map[string]*HourlyRow),
		store:  newRowStore(database),
	}
	a.loadRows()
	return a
}

// Start runs the retention pruner until ctx is done.
func (a *Aggregator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.prune(time.Now().UTC())
			}
		}
	}()
}

func dayKey(t time.Time) string  { return t.UTC().Format("2006-01-02") }
func hourKey(t time.Time) string { return t.UTC().Format("2006-01-02:15") }

// RecordTransaction appends a log entry and bumps the matching daily and
// hourly rows. This is the only writer of transaction totals; error
// counters never touch them, which prevents double counting.
func (a *Aggregator) RecordTransaction(rec Record) {
	now := time.Now().UTC()
	rec.Endpoint = normalizeEndpoint(rec.Endpoint)
	entry := &TxLogEntry{
		Timestamp:   now,
		Endpoint:    rec.Endpoint,
		Success:     rec.Success,
		ClientError: rec.ClientError,
		TokenType:   rec.TokenType,
		Amount:      rec.Amount,
		Fee:         rec.Fee,
		Txid:        rec.Txid,
		Sender:      rec.Sender,
		Recipient:   rec.Recipient,
		Status:      rec.Status,
		BlockHeight: rec.BlockHeight,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.txlog = append(a.txlog, entry)

	day := a.dailyRow(dayKey(now))
	day.Total++
	if rec.Success {
		day.Success++
	} else {
		day.Failed++
	}
	if rec.ClientError {
		day.ClientErrors++
	}
	if rec.TokenType != "" {
		tok, ok := day.Tokens[rec.TokenType]
		if !ok {
			tok = &TokenAgg{Volume: types.NewBigInt(0)}
			day.Tokens[rec.TokenType] = tok
		}
		tok.Count++
		if rec.Amount != nil {
			tok.Volume.Add(tok.Volume, rec.Amount)
		}
	}
	if rec.Endpoint != "" {
		ep, ok := day.Endpoints[rec.Endpoint]
		if !ok {
			ep = &EndpointAgg{}
			day.Endpoints[rec.Endpoint] = ep
		}
		switch {
		case rec.Success:
			ep.Success++
		case rec.ClientError:
			ep.ClientErrors++
		default:
			ep.Failed++
		}
	}
	if rec.HasFee {
		if day.FeeCount == 0 || rec.Fee < day.FeeMin {
			day.FeeMin = rec.Fee
		}
		if rec.Fee > day.FeeMax {
			day.FeeMax = rec.Fee
		}
		day.FeeSum += rec.Fee
		day.FeeCount++
	}

	hour := a.hourlyRow(hourKey(now))
	hour.Total++
	if rec.Success {
		hour.Success++
	} else {
		hour.Failed++
	}

	a.persistRows(day, hour, entry)
}

// RecordError bumps the category counter on today's row. Transaction
// totals are deliberately untouched here.
func (a *Aggregator) RecordError(category ErrorCategory) {
	a.mu.Lock()
	defer a.mu.Unlock()
	day := a.dailyRow(dayKey(time.Now().UTC()))
	day.Errors[category]++
	a.persistRows(day, nil, nil)
}

func (a *Aggregator) dailyRow(date string) *DailyRow {
	row, ok := a.daily[date]
	if !ok {
		row = newDailyRow(date)
		a.daily[date] = row
	}
	return row
}

func (a *Aggregator) hourlyRow(hour string) *HourlyRow {
	row, ok := a.hourly[hour]
	if !ok {
		row = &HourlyRow{Hour: hour}
		a.hourly[hour] = row
	}
	return row
}

// DailyStats returns up to days rows, oldest first.
func (a *Aggregator) DailyStats(days int) []*DailyRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.daily))
	for k := range a.daily {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if days > 0 && len(keys) > days {
		keys = keys[len(keys)-days:]
	}
	rows := make([]*DailyRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, a.daily[k].clone())
	}
	return rows
}

// HourlyStats returns the last 24 hours in UTC hour order, including empty
// hours as zero rows.
func (a *Aggregator) HourlyStats() []*HourlyRow {
	return a.hourlyWindow(time.Now().UTC())
}

func (a *Aggregator) hourlyWindow(now time.Time) []*HourlyRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	rows := make([]*HourlyRow, 0, 24)
	for i := 23; i >= 0; i-- {
		key := hourKey(now.Add(-time.Duration(i) * time.Hour))
		if row, ok := a.hourly[key]; ok {
			clone := *row
			rows = append(rows, &clone)
		} else {
			rows = append(rows, &HourlyRow{Hour: key})
		}
	}
	return rows
}

// RecentTxLog returns the newest log entries, newest first, optionally
// filtered by endpoint. days is capped at the retention window and limit
// at MaxTxLogLimit.
func (a *Aggregator) RecentTxLog(days, limit int, endpoint string) []*TxLogEntry {
	if days <= 0 || days > 7 {
		days = 7
	}
	if limit <= 0 || limit > MaxTxLogLimit {
		limit = MaxTxLogLimit
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	if endpoint != "" {
		endpoint = normalizeEndpoint(endpoint)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*TxLogEntry, 0, limit)
	for i := len(a.txlog) - 1; i >= 0 && len(out) < limit; i-- {
		e := a.txlog[i]
		if e.Timestamp.Before(cutoff) {
			break
		}
		if endpoint != "" && e.Endpoint != endpoint {
			continue
		}
		out = append(out, e)
	}
	return out
}

// prune drops rows and log entries past their retention windows.
func (a *Aggregator) prune(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dayCutoff := dayKey(now.Add(-DailyRetention))
	for k := range a.daily {
		if k < dayCutoff {
			delete(a.daily, k)
			a.deleteRow(dailyRowPrefix, k)
		}
	}
	hourCutoff := hourKey(now.Add(-HourlyRetention))
	for k := range a.hourly {
		if k < hourCutoff {
			delete(a.hourly, k)
			a.deleteRow(hourlyRowPrefix, k)
		}
	}
	logCutoff := now.Add(-TxLogRetention)
	firstKept := len(a.txlog)
	for i, e := range a.txlog {
		if !e.Timestamp.Before(logCutoff) {
			firstKept = i
			break
		}
	}
	if firstKept > 0 {
		pruned := a.txlog[:firstKept]
		a.txlog = slices.Clone(a.txlog[firstKept:])
		a.deleteLogEntries(pruned)
		log.Debugw("tx log pruned", "removed", firstKept, "kept", len(a.txlog))
	}
}

func (r *DailyRow) clone() *DailyRow {
	c := newDailyRow(r.Date)
	c.Total, c.Success, c.Failed, c.ClientErrors = r.Total, r.Success, r.Failed, r.ClientErrors
	c.FeeSum, c.FeeCount, c.FeeMin, c.FeeMax = r.FeeSum, r.FeeCount, r.FeeMin, r.FeeMax
	for k, v := range r.Tokens {
		vol := types.NewBigInt(0)
		if v.Volume != nil {
			vol.Add(vol, v.Volume)
		}
		c.Tokens[k] = &TokenAgg{Count: v.Count, Volume: vol}
	}
	for k, v := range r.Endpoints {
		ep := *v
		c.Endpoints[k] = &ep
	}
	for k, v := range r.Errors {
		c.Errors[k] = v
	}
	return c
}

// normalizeEndpoint keeps endpoint labels to a small fixed vocabulary so
// the per-endpoint maps cannot grow unbounded from caller input.
func normalizeEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	e := strings.TrimPrefix(strings.ToLower(endpoint), "/")
	switch e {
	case "relay", "settle", "verify", "sponsor", "access":
		return e
	}
	return "other"
}

package stats

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/db"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/db/inmemory"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

func TestTrend(t *testing.T) {
	c := qt.New(t)
	c.Assert(Trend(0, 0), qt.Equals, "stable")
	c.Assert(Trend(1, 0), qt.Equals, "up")
	c.Assert(Trend(0, 10), qt.Equals, "down")
	c.Assert(Trend(105, 100), qt.Equals, "stable") // exactly +5%
	c.Assert(Trend(106, 100), qt.Equals, "up")
	c.Assert(Trend(95, 100), qt.Equals, "stable") // exactly -5%
	c.Assert(Trend(94, 100), qt.Equals, "down")
	c.Assert(Trend(100, 100), qt.Equals, "stable")
}

func TestRecordTransactionAggregation(t *testing.T) {
	c := qt.New(t)
	a := New(nil)

	a.RecordTransaction(Record{
		Endpoint:  "/relay",
		Success:   true,
		TokenType: types.TokenNative,
		Amount:    types.NewBigInt(1000),
		Fee:       3000,
		HasFee:    true,
		Txid:      "0xaaa",
		Status:    "confirmed",
	})
	a.RecordTransaction(Record{
		Endpoint:  "relay",
		Success:   true,
		TokenType: types.TokenNative,
		Amount:    types.NewBigInt(500),
		Fee:       9000,
		HasFee:    true,
	})
	a.RecordTransaction(Record{
		Endpoint:    "/settle",
		Success:     false,
		ClientError: true,
		TokenType:   types.TokenAIBTC,
		Amount:      types.NewBigInt(42),
	})

	rows := a.DailyStats(30)
	c.Assert(rows, qt.HasLen, 1)
	day := rows[0]
	c.Assert(day.Total, qt.Equals, uint64(3))
	c.Assert(day.Success, qt.Equals, uint64(2))
	c.Assert(day.Failed, qt.Equals, uint64(1))
	c.Assert(day.ClientErrors, qt.Equals, uint64(1))

	c.Assert(day.Tokens[types.TokenNative].Count, qt.Equals, uint64(2))
	c.Assert(day.Tokens[types.TokenNative].Volume.String(), qt.Equals, "1500")
	c.Assert(day.Tokens[types.TokenAIBTC].Count, qt.Equals, uint64(1))

	// Endpoint labels are normalized to the fixed vocabulary.
	c.Assert(day.Endpoints["relay"].Success, qt.Equals, uint64(2))
	c.Assert(day.Endpoints["settle"].ClientErrors, qt.Equals, uint64(1))

	c.Assert(day.FeeCount, qt.Equals, uint64(2))
	c.Assert(day.FeeSum, qt.Equals, uint64(12000))
	c.Assert(day.FeeMin, qt.Equals, uint64(3000))
	c.Assert(day.FeeMax, qt.Equals, uint64(9000))
}

func TestRecordErrorLeavesTotalsAlone(t *testing.T) {
	c := qt.New(t)
	a := New(nil)

	a.RecordError(ErrorValidation)
	a.RecordError(ErrorValidation)
	a.RecordError(ErrorRateLimit)

	rows := a.DailyStats(1)
	c.Assert(rows, qt.HasLen, 1)
	c.Assert(rows[0].Total, qt.Equals, uint64(0))
	c.Assert(rows[0].Errors[ErrorValidation], qt.Equals, uint64(2))
	c.Assert(rows[0].Errors[ErrorRateLimit], qt.Equals, uint64(1))
}

func TestHourlyWindowIncludesZeroRows(t *testing.T) {
	c := qt.New(t)
	a := New(nil)
	a.RecordTransaction(Record{Endpoint: "relay", Success: true})

	rows := a.HourlyStats()
	c.Assert(rows, qt.HasLen, 24)
	var total uint64
	for _, h := range rows {
		total += h.Total
	}
	c.Assert(total, qt.Equals, uint64(1))
	// Newest hour is last.
	c.Assert(rows[23].Hour, qt.Equals, hourKey(time.Now().UTC()))
	c.Assert(rows[23].Total, qt.Equals, uint64(1))
}

func TestOverviewTotalsMatchHourlyWindow(t *testing.T) {
	c := qt.New(t)
	a := New(nil)
	now := time.Now().UTC()

	// Yesterday's row only feeds the trends, never the 24h totals.
	yesterday := a.dailyRow(dayKey(now.AddDate(0, 0, -1)))
	yesterday.Total = 100
	yesterday.FeeSum = 50000

	for range 3 {
		a.RecordTransaction(Record{Endpoint: "relay", Success: true, Fee: 1000, HasFee: true})
	}
	a.RecordTransaction(Record{Endpoint: "relay", Success: false})

	o := a.overviewAt(now)
	c.Assert(o.Transactions.Total, qt.Equals, uint64(4))
	c.Assert(o.Transactions.Success, qt.Equals, uint64(3))
	c.Assert(o.Transactions.Failed, qt.Equals, uint64(1))
	// 4 today vs 100 yesterday.
	c.Assert(o.Transactions.Trend, qt.Equals, "down")
	// 3000 today vs 50000 yesterday.
	c.Assert(o.Fees.Trend, qt.Equals, "down")
	c.Assert(o.Fees.Total, qt.Equals, uint64(3000))
	c.Assert(o.Fees.Average, qt.Equals, uint64(1000))
}

func TestTokenPercentagesSumToHundred(t *testing.T) {
	c := qt.New(t)
	tokens := map[types.TokenType]*TokenAgg{
		types.TokenNative:     {Count: 1},
		types.TokenWrappedBTC: {Count: 1},
		types.TokenAIBTC:      {Count: 1},
	}
	shares := assignPercentages(tokens, 3)
	sum := 0
	for _, pct := range shares {
		sum += pct
	}
	c.Assert(sum, qt.Equals, 100)

	// The leftover point goes to the lexicographically smallest token
	// name on a remainder tie, deterministically.
	c.Assert(shares[types.TokenAIBTC], qt.Equals, 34)
	c.Assert(shares[types.TokenNative], qt.Equals, 33)
	c.Assert(shares[types.TokenWrappedBTC], qt.Equals, 33)

	c.Assert(assignPercentages(nil, 0), qt.HasLen, 0)
}

func TestRecentTxLogFilterAndLimit(t *testing.T) {
	c := qt.New(t)
	a := New(nil)

	for i := range 10 {
		endpoint := "relay"
		if i%2 == 0 {
			endpoint = "settle"
		}
		a.RecordTransaction(Record{Endpoint: endpoint, Success: true, Fee: uint64(i)})
	}

	all := a.RecentTxLog(7, 0, "")
	c.Assert(all, qt.HasLen, 10)
	// Newest first.
	c.Assert(all[0].Fee, qt.Equals, uint64(9))

	relayOnly := a.RecentTxLog(7, 0, "/relay")
	c.Assert(relayOnly, qt.HasLen, 5)
	for _, e := range relayOnly {
		c.Assert(e.Endpoint, qt.Equals, "relay")
	}

	capped := a.RecentTxLog(7, 3, "")
	c.Assert(capped, qt.HasLen, 3)
}

func TestPruneDropsExpiredRows(t *testing.T) {
	c := qt.New(t)
	a := New(nil)
	now := time.Now().UTC()

	a.dailyRow(dayKey(now.AddDate(0, 0, -100)))
	a.dailyRow(dayKey(now))
	a.hourlyRow(hourKey(now.Add(-72 * time.Hour)))
	a.hourlyRow(hourKey(now))
	a.txlog = append(a.txlog,
		&TxLogEntry{Timestamp: now.AddDate(0, 0, -8)},
		&TxLogEntry{Timestamp: now},
	)

	a.prune(now)

	c.Assert(a.daily, qt.HasLen, 1)
	c.Assert(a.hourly, qt.HasLen, 1)
	c.Assert(a.txlog, qt.HasLen, 1)
}

func TestRowsSurviveRestart(t *testing.T) {
	c := qt.New(t)
	database, err := inmemory.New(db.Options{})
	c.Assert(err, qt.IsNil)

	a := New(database)
	a.RecordTransaction(Record{
		Endpoint:  "relay",
		Success:   true,
		TokenType: types.TokenNative,
		Amount:    types.NewBigInt(777),
		Fee:       2500,
		HasFee:    true,
		Txid:      "0xpersisted",
	})

	restored := New(database)
	rows := restored.DailyStats(1)
	c.Assert(rows, qt.HasLen, 1)
	c.Assert(rows[0].Total, qt.Equals, uint64(1))
	c.Assert(rows[0].Tokens[types.TokenNative].Volume.String(), qt.Equals, "777")

	entries := restored.RecentTxLog(7, 0, "")
	c.Assert(entries, qt.HasLen, 1)
	c.Assert(entries[0].Txid, qt.Equals, "0xpersisted")
}

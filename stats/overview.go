package stats

import (
	"math/big"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

// TokenShare is one token's slice of the overview breakdown.
type TokenShare struct {
	Count      uint64        `json:"count"`
	Volume     *types.BigInt `json:"volume"`
	Percentage int           `json:"percentage"`
}

// FeeOverview summarizes today's sponsor fee spend with a trend against
// yesterday.
type FeeOverview struct {
	Total   uint64 `json:"total"`
	Count   uint64 `json:"count"`
	Average uint64 `json:"average"`
	Min     uint64 `json:"min"`
	Max     uint64 `json:"max"`
	Trend   string `json:"trend"`
}

// Overview is the composite headline view behind the dashboard.
type Overview struct {
	Transactions struct {
		Total   uint64 `json:"total"`
		Success uint64 `json:"success"`
		Failed  uint64 `json:"failed"`
		Trend   string `json:"trend"`
	} `json:"transactions"`
	Tokens     map[types.TokenType]*TokenShare `json:"tokens"`
	Endpoints  map[string]*EndpointAgg         `json:"endpoints"`
	Errors     map[ErrorCategory]uint64        `json:"errors"`
	Fees       FeeOverview                     `json:"fees"`
	HourlyData []*HourlyRow                    `json:"hourlyData"`
}

// Overview builds the headline view. Rolling-24h transaction totals are
// summed from the hourly rows so the window crosses UTC midnight
// correctly; token, endpoint and fee breakdowns come from today's daily
// row with trends against yesterday's.
func (a *Aggregator) Overview() *Overview {
	return a.overviewAt(time.Now().UTC())
}

func (a *Aggregator) overviewAt(now time.Time) *Overview {
	hourlyData := a.hourlyWindow(now)

	a.mu.Lock()
	defer a.mu.Unlock()

	o := &Overview{
		Tokens:     make(map[types.TokenType]*TokenShare),
		Endpoints:  make(map[string]*EndpointAgg),
		Errors:     make(map[ErrorCategory]uint64),
		HourlyData: hourlyData,
	}
	for _, h := range hourlyData {
		o.Transactions.Total += h.Total
		o.Transactions.Success += h.Success
		o.Transactions.Failed += h.Failed
	}

	today := a.daily[dayKey(now)]
	yesterday := a.daily[dayKey(now.AddDate(0, 0, -1))]
	if today == nil {
		today = newDailyRow(dayKey(now))
	}

	var prevTotal, prevFees uint64
	if yesterday != nil {
		prevTotal = yesterday.Total
		prevFees = yesterday.FeeSum
	}
	o.Transactions.Trend = Trend(today.Total, prevTotal)

	totalTokenTx := uint64(0)
	for _, agg := range today.Tokens {
		totalTokenTx += agg.Count
	}
	shares := assignPercentages(today.Tokens, totalTokenTx)
	for tok, agg := range today.Tokens {
		vol := types.NewBigInt(0)
		if agg.Volume != nil {
			vol.Add(vol, agg.Volume)
		}
		o.Tokens[tok] = &TokenShare{Count: agg.Count, Volume: vol, Percentage: shares[tok]}
	}
	for ep, agg := range today.Endpoints {
		clone := *agg
		o.Endpoints[ep] = &clone
	}
	for cat, n := range today.Errors {
		o.Errors[cat] = n
	}

	o.Fees = FeeOverview{
		Total: today.FeeSum,
		Count: today.FeeCount,
		Min:   today.FeeMin,
		Max:   today.FeeMax,
		Trend: Trend(today.FeeSum, prevFees),
	}
	if today.FeeCount > 0 {
		o.Fees.Average = today.FeeSum / today.FeeCount
	}
	return o
}

// Trend classifies the movement from previous to current: "up" past +5%,
// "down" past -5%, "stable" in between. A zero previous with any current
// activity is "up".
func Trend(current, previous uint64) string {
	if previous == 0 {
		if current > 0 {
			return "up"
		}
		return "stable"
	}
	// delta/previous > 5% without float arithmetic:
	// 100*(current-previous) compared against 5*previous.
	cur := new(big.Int).SetUint64(current)
	prev := new(big.Int).SetUint64(previous)
	delta := new(big.Int).Sub(cur, prev)
	delta.Mul(delta, big.NewInt(100))
	threshold := new(big.Int).Mul(prev, big.NewInt(5))
	switch {
	case delta.Cmp(threshold) > 0:
		return "up"
	case delta.Cmp(new(big.Int).Neg(threshold)) < 0:
		return "down"
	}
	return "stable"
}

// assignPercentages distributes integer percentages over token counts with
// the largest-remainder method, so the shares always sum to exactly 100
// (or 0 when there is no traffic).
func assignPercentages(tokens map[types.TokenType]*TokenAgg, total uint64) map[types.TokenType]int {
	out := make(map[types.TokenType]int, len(tokens))
	if total == 0 {
		return out
	}
	type remainder struct {
		token types.TokenType
		rem   uint64
	}
	assigned := 0
	var rems []remainder
	for tok, agg := range tokens {
		pct := agg.Count * 100 / total
		out[tok] = int(pct)
		assigned += int(pct)
		rems = append(rems, remainder{token: tok, rem: agg.Count * 100 % total})
	}
	// Hand the leftover points to the largest remainders, ties broken by
	// token name for determinism.
	for assigned < 100 && len(rems) > 0 {
		best := 0
		for i := 1; i < len(rems); i++ {
			if rems[i].rem > rems[best].rem ||
				(rems[i].rem == rems[best].rem && rems[i].token < rems[best].token) {
				best = i
			}
		}
		out[rems[best].token]++
		assigned++
		rems = append(rems[:best], rems[best+1:]...)
	}
	return out
}

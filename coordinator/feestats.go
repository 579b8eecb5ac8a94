package coordinator

import "time"

// walletFeeStats accumulates sponsor fee spend per wallet, with a rolling
// daily window keyed by UTC date.
type walletFeeStats struct {
	TotalFeesSpent uint64 `cbor:"totalFeesSpent"`
	TxCount        uint64 `cbor:"txCount"`
	FeesToday      uint64 `cbor:"feesToday"`
	TxCountToday   uint64 `cbor:"txCountToday"`
	Day            string `cbor:"day"`
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// record adds one consumed fee, rolling the daily counters over at UTC
// midnight.
func (s *walletFeeStats) record(fee uint64, now time.Time) {
	day := utcDay(now)
	if s.Day != day {
		s.Day = day
		s.FeesToday = 0
		s.TxCountToday = 0
	}
	s.TotalFeesSpent += fee
	s.TxCount++
	s.FeesToday += fee
	s.TxCountToday++
}

// today returns the daily counters, zeroed if the stored day is stale.
func (s *walletFeeStats) today(now time.Time) (fees, count uint64) {
	if s.Day != utcDay(now) {
		return 0, 0
	}
	return s.FeesToday, s.TxCountToday
}

package api

// Route constants for the API endpoints.
const (
	// Relay surfaces
	RelayEndpoint   = "/relay"   // POST: sponsor, verify and broadcast
	SponsorEndpoint = "/sponsor" // POST: sponsor and broadcast, no payment check (API key)

	// Facilitator surfaces
	SettleEndpoint    = "/settle"    // POST: broadcast a pre-sponsored payment
	VerifyEndpoint    = "/verify"    // POST: verify a payment locally
	SupportedEndpoint = "/supported" // GET: facilitator capabilities

	// Receipts
	ReceiptIDURLParam     = "receiptId"
	VerifyReceiptEndpoint = VerifyEndpoint + "/{" + ReceiptIDURLParam + "}" // GET: receipt lookup
	AccessEndpoint        = "/access"                                      // POST: redeem a receipt

	// Fees
	FeesEndpoint       = "/fees"        // GET: clamped fee estimates
	FeesConfigEndpoint = "/fees/config" // POST: update clamps (API key)

	// Diagnostics
	HealthEndpoint      = "/health"             // GET: liveness
	StatsEndpoint       = "/stats"              // GET: dashboard overview
	StatsDailyEndpoint  = "/stats/daily"        // GET: daily rows, ?days=N
	StatsHourlyEndpoint = "/stats/hourly"       // GET: last-24h hourly rows
	StatsLogEndpoint    = "/stats/transactions" // GET: recent tx log, ?days=&limit=&endpoint=
	NonceStatsEndpoint  = "/nonce/stats"        // GET: coordinator diagnostics
	NonceResetEndpoint  = "/nonce/reset"        // POST: re-seed a wallet pool (API key)
)

// LogExcludedPrefixes lists paths the request logger skips; the dashboard
// pollers would otherwise drown the debug log.
var LogExcludedPrefixes = []string{
	HealthEndpoint,
	StatsEndpoint,
	NonceStatsEndpoint,
}

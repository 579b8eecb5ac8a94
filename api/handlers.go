package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/fees"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/internal"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/relay"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stackstx"
)

// handleRelay sponsors, verifies and broadcasts a sponsor-pending
// transaction. The pipeline returns the exact response bytes so retries
// replay byte-identical bodies.
func (a *API) handleRelay(w http.ResponseWriter, r *http.Request) {
	req := &relay.RelayRequest{}
	if !decodeBody(w, r, req) {
		return
	}
	body, err := a.relay.Relay(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httpWriteRaw(w, body)
}

// handleSponsor signs and broadcasts without payment verification. The
// API key gate ran in middleware; the spent fee is charged to the key's
// daily ledger afterwards.
func (a *API) handleSponsor(w http.ResponseWriter, r *http.Request) {
	req := &relay.SponsorRequest{}
	if !decodeBody(w, r, req) {
		return
	}
	resp, err := a.relay.Sponsor(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec := apiKeyFromContext(r.Context()); rec != nil {
		if err := a.storage.RecordAPIKeyFee(rec, resp.Fee); err != nil {
			log.Warnw("could not charge api key ledger", "error", err)
		}
	}
	httpWriteJSON(w, resp)
}

// handleSettle broadcasts a pre-sponsored payment. Outcomes surface as
// HTTP 200 bodies; only schema malformation and identifier conflicts use
// error statuses.
func (a *API) handleSettle(w http.ResponseWriter, r *http.Request) {
	req := &relay.FacilitatorRequest{}
	if !decodeBody(w, r, req) {
		return
	}
	body, err := a.relay.Settle(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httpWriteRaw(w, body)
}

// handleVerify checks a payment locally. Always HTTP 200.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	req := &relay.FacilitatorRequest{}
	if !decodeBody(w, r, req) {
		return
	}
	httpWriteJSON(w, a.relay.Verify(req))
}

// handleSupported advertises the facilitator capabilities.
func (a *API) handleSupported(w http.ResponseWriter, _ *http.Request) {
	type kind struct {
		Scheme  string `json:"scheme"`
		Network string `json:"network"`
	}
	httpWriteJSON(w, map[string]any{
		"success":    true,
		"requestId":  uuid.NewString(),
		"kinds":      []kind{{Scheme: "exact", Network: a.network.Name}},
		"extensions": []string{relay.PaymentIdentifierExtension},
		"signers":    map[string]string{},
	})
}

// handleVerifyReceipt looks a receipt up by id.
func (a *API) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := a.relay.ReceiptByID(chi.URLParam(r, ReceiptIDURLParam))
	if err != nil {
		writeError(w, err)
		return
	}
	httpWriteJSON(w, map[string]any{
		"success":   true,
		"requestId": uuid.NewString(),
		"receipt":   receipt,
	})
}

// handleAccess redeems a receipt, optionally proxying to a target URL.
func (a *API) handleAccess(w http.ResponseWriter, r *http.Request) {
	req := &relay.AccessRequest{}
	if !decodeBody(w, r, req) {
		return
	}
	if req.ReceiptID == "" {
		ErrInvalidRequest.Write(w, "receiptId is required", 0)
		return
	}
	resp, err := a.relay.Access(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httpWriteJSON(w, resp)
}

// handleFees returns the current clamped estimates.
func (a *API) handleFees(w http.ResponseWriter, r *http.Request) {
	report := a.fees.Estimate(r.Context())
	httpWriteJSON(w, map[string]any{
		"success":   true,
		"requestId": uuid.NewString(),
		"fees":      report.Fees,
		"source":    report.Source,
		"cached":    report.Cached,
	})
}

// feeConfigRequest is the clamp table update body.
type feeConfigRequest struct {
	Clamps map[stackstx.Kind]fees.Clamp `json:"clamps"`
}

// handleFeesConfig updates the operator fee clamps.
func (a *API) handleFeesConfig(w http.ResponseWriter, r *http.Request) {
	req := &feeConfigRequest{}
	if !decodeBody(w, r, req) {
		return
	}
	if len(req.Clamps) == 0 {
		ErrInvalidFeeConfig.Write(w, "no clamps given", 0)
		return
	}
	for kind, clamp := range req.Clamps {
		if err := a.fees.SetClamp(kind, clamp); err != nil {
			ErrInvalidFeeConfig.Write(w, err.Error(), 0)
			return
		}
	}
	httpWriteJSON(w, map[string]any{
		"success":   true,
		"requestId": uuid.NewString(),
		"clamps":    a.fees.Clamps(),
	})
}

// handleHealth is the liveness probe.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpWriteJSON(w, map[string]any{
		"status":  "ok",
		"version": internal.Version,
		"network": a.network.Name,
	})
}

// handleStats serves the dashboard overview.
func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	httpWriteJSON(w, a.stats.Overview())
}

func (a *API) handleStatsDaily(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 || days > 90 {
		days = 30
	}
	httpWriteJSON(w, map[string]any{"success": true, "days": a.stats.DailyStats(days)})
}

func (a *API) handleStatsHourly(w http.ResponseWriter, _ *http.Request) {
	httpWriteJSON(w, map[string]any{"success": true, "hours": a.stats.HourlyStats()})
}

func (a *API) handleStatsLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, _ := strconv.Atoi(q.Get("days"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	httpWriteJSON(w, map[string]any{
		"success":      true,
		"transactions": a.stats.RecentTxLog(days, limit, q.Get("endpoint")),
	})
}

// handleNonceStats serves the coordinator diagnostics.
func (a *API) handleNonceStats(w http.ResponseWriter, _ *http.Request) {
	httpWriteJSON(w, a.coord.Snapshot())
}

// nonceResetRequest selects the wallet to re-seed.
type nonceResetRequest struct {
	WalletIndex int `json:"walletIndex"`
}

// handleNonceReset discards a wallet pool and re-seeds it from the chain.
func (a *API) handleNonceReset(w http.ResponseWriter, r *http.Request) {
	req := &nonceResetRequest{}
	if !decodeBody(w, r, req) {
		return
	}
	if req.WalletIndex < 0 || req.WalletIndex >= a.coord.WalletCount() {
		ErrMalformedWalletIndex.Write(w, "walletIndex out of range", 0)
		return
	}
	previous, next, err := a.coord.ResetWallet(r.Context(), req.WalletIndex)
	if err != nil {
		ErrChainUnavailable.Write(w, err.Error(), 0)
		return
	}
	httpWriteJSON(w, map[string]any{
		"success":       true,
		"requestId":     uuid.NewString(),
		"walletIndex":   req.WalletIndex,
		"previousNonce": previous,
		"newNonce":      next,
	})
}

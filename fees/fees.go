/*
Package fees caches the chain's fee estimates and clamps them to
operator-configured floors and ceilings per transaction kind. The relay
never trusts an upstream estimate blindly: a spiking mempool must not let
a sponsored fee exceed the operator's ceiling, and a lowball estimate must
not produce a fee the mempool would ignore.
*/
package fees

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/chain"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stackstx"
)

// cacheTTL is how long an upstream estimate stays fresh.
const cacheTTL = 60 * time.Second

// Source labels where an estimate came from.
type Source string

const (
	SourceChain   Source = "chain"
	SourceCache   Source = "cache"
	SourceDefault Source = "default"
)

// Priority selects a tier of an estimate.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Clamp bounds the fee for one transaction kind, in smallest-units.
type Clamp struct {
	Floor   uint64 `json:"floor"`
	Ceiling uint64 `json:"ceiling"`
}

// DefaultClamps are the operator defaults applied until reconfigured.
var DefaultClamps = map[stackstx.Kind]Clamp{
	stackstx.KindTokenTransfer: {Floor: 500, Ceiling: 500_000},
	stackstx.KindContractCall:  {Floor: 1_000, Ceiling: 1_000_000},
	stackstx.KindSmartContract: {Floor: 2_000, Ceiling: 3_000_000},
}

// DefaultEstimates back the estimator when the chain has never answered.
var DefaultEstimates = chain.FeeEstimates{
	TokenTransfer: chain.FeeTiers{Low: 1_000, Medium: 3_000, High: 10_000},
	ContractCall:  chain.FeeTiers{Low: 3_000, Medium: 10_000, High: 30_000},
	SmartContract: chain.FeeTiers{Low: 10_000, Medium: 30_000, High: 100_000},
}

// ChainAPI is the slice of the chain client the estimator consumes.
type ChainAPI interface {
	GetFeeEstimates(ctx context.Context) (*chain.FeeEstimates, error)
}

// Report is a clamped estimate set plus its provenance.
type Report struct {
	Fees   chain.FeeEstimates `json:"fees"`
	Source Source             `json:"source"`
	Cached bool               `json:"cached"`
}

// Estimator serves clamped fee estimates. Safe for concurrent use.
type Estimator struct {
	mu       sync.Mutex
	chain    ChainAPI
	clamps   map[stackstx.Kind]Clamp
	cached   *chain.FeeEstimates
	cachedAt time.Time
}

// New creates an estimator with the default clamps.
func New(chainAPI ChainAPI) *Estimator {
	clamps := make(map[stackstx.Kind]Clamp, len(DefaultClamps))
	for k, v := range DefaultClamps {
		clamps[k] = v
	}
	return &Estimator{chain: chainAPI, clamps: clamps}
}

// Estimate returns the current clamped estimates: the cache when fresh,
// the chain otherwise, and the defaults when the chain is unreachable and
// the cache is empty. A stale cache outranks the defaults.
func (e *Estimator) Estimate(ctx context.Context) Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cached != nil && time.Since(e.cachedAt) < cacheTTL {
		return Report{Fees: e.clampAll(*e.cached), Source: SourceCache, Cached: true}
	}
	est, err := e.chain.GetFeeEstimates(ctx)
	if err != nil {
		log.Warnw("fee estimate fetch failed", "error", err)
		if e.cached != nil {
			return Report{Fees: e.clampAll(*e.cached), Source: SourceCache, Cached: true}
		}
		return Report{Fees: e.clampAll(DefaultEstimates), Source: SourceDefault}
	}
	e.cached = est
	e.cachedAt = time.Now()
	return Report{Fees: e.clampAll(*est), Source: SourceChain}
}

// EstimateFor returns the clamped fee for one kind and priority.
func (e *Estimator) EstimateFor(ctx context.Context, kind stackstx.Kind, priority Priority) uint64 {
	report := e.Estimate(ctx)
	tiers := tiersFor(report.Fees, kind)
	switch priority {
	case PriorityLow:
		return tiers.Low
	case PriorityHigh:
		return tiers.High
	}
	return tiers.Medium
}

// SetClamp updates the bounds for one kind, rejecting floor > ceiling.
func (e *Estimator) SetClamp(kind stackstx.Kind, clamp Clamp) error {
	switch kind {
	case stackstx.KindTokenTransfer, stackstx.KindContractCall, stackstx.KindSmartContract:
	default:
		return fmt.Errorf("unknown transaction kind %q", kind)
	}
	if clamp.Floor > clamp.Ceiling {
		return fmt.Errorf("clamp floor %d exceeds ceiling %d for %s", clamp.Floor, clamp.Ceiling, kind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clamps[kind] = clamp
	log.Infow("fee clamp updated", "kind", kind, "floor", clamp.Floor, "ceiling", clamp.Ceiling)
	return nil
}

// Clamps returns a copy of the current clamp table.
func (e *Estimator) Clamps() map[stackstx.Kind]Clamp {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[stackstx.Kind]Clamp, len(e.clamps))
	for k, v := range e.clamps {
		out[k] = v
	}
	return out
}

// clampAll bounds all nine kind × priority values. Called with the lock
// held.
func (e *Estimator) clampAll(est chain.FeeEstimates) chain.FeeEstimates {
	est.TokenTransfer = e.clampTiers(stackstx.KindTokenTransfer, est.TokenTransfer)
	est.ContractCall = e.clampTiers(stackstx.KindContractCall, est.ContractCall)
	est.SmartContract = e.clampTiers(stackstx.KindSmartContract, est.SmartContract)
	return est
}

func (e *Estimator) clampTiers(kind stackstx.Kind, tiers chain.FeeTiers) chain.FeeTiers {
	clamp, ok := e.clamps[kind]
	if !ok {
		return tiers
	}
	tiers.Low = clampValue(tiers.Low, clamp)
	tiers.Medium = clampValue(tiers.Medium, clamp)
	tiers.High = clampValue(tiers.High, clamp)
	return tiers
}

func clampValue(v uint64, c Clamp) uint64 {
	if v < c.Floor {
		return c.Floor
	}
	if c.Ceiling > 0 && v > c.Ceiling {
		return c.Ceiling
	}
	return v
}

func tiersFor(est chain.FeeEstimates, kind stackstx.Kind) chain.FeeTiers {
	switch kind {
	case stackstx.KindContractCall:
		return est.ContractCall
	case stackstx.KindSmartContract:
		return est.SmartContract
	}
	return est.TokenTransfer
}

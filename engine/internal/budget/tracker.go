// Package budget tracks cumulative spend for a run and suggests degradation
// tiers as configured thresholds are crossed. Transitions themselves belong
// to the degradation controller; the tracker only reports fractions.
package budget

import (
	"sync"
)

// Tier suggestions mirror the degradation tiers without importing the
// controller, keeping the dependency one-directional.
type Suggestion string

const (
	SuggestFull    Suggestion = "full"
	SuggestReduced Suggestion = "reduced"
	SuggestCached  Suggestion = "cached"
	SuggestPartial Suggestion = "partial"
)

// Config sets the ceiling and the fractions at which tiers are suggested.
type Config struct {
	MaxCost        float64
	WarnFraction   float64
	ReduceFraction float64
	CacheFraction  float64
}

// Tracker accumulates cost and token usage. Totals are monotonically
// non-decreasing within a run; Add is safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	cfg         Config
	cost        float64
	tokens      int
	perProvider map[string]ProviderUsage
}

// ProviderUsage aggregates spend attributed to one provider.
type ProviderUsage struct {
	Calls  int     `json:"calls"`
	Cost   float64 `json:"cost"`
	Tokens int     `json:"tokens"`
}

// NewTracker applies defaults for unset fractions (0.8 warn/reduce, 0.95
// cache) and returns a ready tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.WarnFraction <= 0 {
		cfg.WarnFraction = 0.8
	}
	if cfg.ReduceFraction <= 0 {
		cfg.ReduceFraction = 0.8
	}
	if cfg.CacheFraction <= 0 {
		cfg.CacheFraction = 0.95
	}
	return &Tracker{cfg: cfg, perProvider: make(map[string]ProviderUsage)}
}

// Add records usage from one provider call. Negative deltas are ignored so
// totals cannot regress.
func (t *Tracker) Add(cost float64, tokens int, provider string) {
	if cost < 0 {
		cost = 0
	}
	if tokens < 0 {
		tokens = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cost += cost
	t.tokens += tokens
	u := t.perProvider[provider]
	u.Calls++
	u.Cost += cost
	u.Tokens += tokens
	t.perProvider[provider] = u
}

// Seed restores totals from a checkpointed state on resume.
func (t *Tracker) Seed(cost float64, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cost > t.cost {
		t.cost = cost
	}
	if tokens > t.tokens {
		t.tokens = tokens
	}
}

// Totals returns cumulative cost (USD) and tokens.
func (t *Tracker) Totals() (float64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cost, t.tokens
}

// FractionUsed is spend over ceiling; 1.0 when no ceiling is configured and
// anything has been spent.
func (t *Tracker) FractionUsed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fractionLocked()
}

func (t *Tracker) fractionLocked() float64 {
	if t.cfg.MaxCost <= 0 {
		if t.cost > 0 {
			return 1.0
		}
		return 0
	}
	return t.cost / t.cfg.MaxCost
}

// TierSuggestion maps the current fraction onto an operating tier.
func (t *Tracker) TierSuggestion() Suggestion {
	t.mu.Lock()
	defer t.mu.Unlock()
	frac := t.fractionLocked()
	switch {
	case frac >= 1.0:
		return SuggestPartial
	case frac >= t.cfg.CacheFraction:
		return SuggestCached
	case frac >= t.cfg.ReduceFraction:
		return SuggestReduced
	default:
		return SuggestFull
	}
}

// SetMaxCost raises the ceiling mid-run (hot reload). Lowering is refused:
// shrinking the ceiling under an in-flight run would retroactively
// invalidate tier decisions already acted on.
func (t *Tracker) SetMaxCost(maxCost float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if maxCost <= t.cfg.MaxCost {
		return false
	}
	t.cfg.MaxCost = maxCost
	return true
}

// MaxCost returns the configured ceiling.
func (t *Tracker) MaxCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.MaxCost
}

// ProviderUsageSnapshot copies per-provider aggregates for reporting.
func (t *Tracker) ProviderUsageSnapshot() map[string]ProviderUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ProviderUsage, len(t.perProvider))
	for k, v := range t.perProvider {
		out[k] = v
	}
	return out
}

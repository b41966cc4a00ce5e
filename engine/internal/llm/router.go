package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"delver/engine/internal/degrade"
	"delver/engine/models"
)

// UsageReporter receives cost/token attribution before a call returns.
// *budget.Tracker satisfies it.
type UsageReporter interface {
	Add(cost float64, tokens int, provider string)
}

// Attempt describes one provider attempt for auditing. The engine bridges
// these into node_enter/node_exit event-log pairs tagged with the provider.
type Attempt struct {
	Phase    string // "enter" or "exit"
	Provider string
	Model    string
	Intent   Intent
	Attempt  int
	Err      error
	Latency  time.Duration
}

// BackoffPolicy controls transient-failure retries within one provider.
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the run-wide retry contract: base 1s, cap 30s,
// jitter, at most three attempts per provider.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 3}
}

// Router drives the provider fallback chain. The starting provider depends
// on the degradation tier and intent; terminal failure of one provider
// advances the chain with a fresh retry budget.
type Router struct {
	primary  Provider
	fallback Provider
	budget   Provider

	usage   UsageReporter
	observe func(Attempt)
	policy  BackoffPolicy

	sleep func(ctx context.Context, d time.Duration) error

	randMu sync.Mutex
	rand   *rand.Rand
}

// RouterOption customizes construction.
type RouterOption func(*Router)

// WithObserver registers the per-attempt audit hook.
func WithObserver(fn func(Attempt)) RouterOption {
	return func(r *Router) { r.observe = fn }
}

// WithBackoff overrides the retry policy (tests shrink the delays).
func WithBackoff(p BackoffPolicy) RouterOption {
	return func(r *Router) { r.policy = p }
}

// WithSleeper overrides the backoff sleeper (tests make it instant).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) RouterOption {
	return func(r *Router) { r.sleep = fn }
}

// NewRouter wires the three provider roles. fallback and budget may be nil;
// the chain simply shortens.
func NewRouter(primary, fallback, budgetProvider Provider, usage UsageReporter, opts ...RouterOption) *Router {
	r := &Router{
		primary:  primary,
		fallback: fallback,
		budget:   budgetProvider,
		usage:    usage,
		policy:   DefaultBackoff(),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// chainFor orders providers for a call. FULL runs primary-first; REDUCED
// moves summarization to the budget model; CACHED and PARTIAL put the budget
// model first for everything.
func (r *Router) chainFor(tier degrade.Tier, intent Intent) []Provider {
	var ordered []Provider
	switch {
	case tier == degrade.TierCached || tier == degrade.TierPartial:
		ordered = []Provider{r.budget, r.fallback, r.primary}
	case tier == degrade.TierReduced && intent == IntentSummarize:
		ordered = []Provider{r.budget, r.fallback, r.primary}
	default:
		ordered = []Provider{r.primary, r.fallback, r.budget}
	}
	chain := make([]Provider, 0, len(ordered))
	for _, p := range ordered {
		if p != nil {
			chain = append(chain, p)
		}
	}
	return chain
}

// Call executes one logical completion. Usage is reported to the tracker
// before returning; chain exhaustion yields models.ErrModelCallExhausted.
func (r *Router) Call(ctx context.Context, req Request, tier degrade.Tier) (*Completion, error) {
	chain := r.chainFor(tier, req.Intent)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no providers configured: %w", models.ErrModelCallExhausted)
	}
	var lastErr error
	for _, provider := range chain {
		comp, err := r.callProvider(ctx, provider, req)
		if err == nil {
			if r.usage != nil {
				r.usage.Add(comp.CostUSD, comp.TotalTokens(), comp.Provider)
			}
			return comp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, models.ErrCancelled) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: last provider error: %v", models.ErrModelCallExhausted, lastErr)
}

// callProvider runs the per-provider retry loop: up to MaxAttempts tries
// with jittered exponential backoff on retryable failures, immediate
// advance on permanent ones.
func (r *Router) callProvider(ctx context.Context, provider Provider, req Request) (*Completion, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		r.emit(Attempt{Phase: "enter", Provider: provider.Name(), Intent: req.Intent, Attempt: attempt})
		start := time.Now()
		comp, err := provider.Complete(ctx, req)
		latency := time.Since(start)
		r.emit(Attempt{Phase: "exit", Provider: provider.Name(), Intent: req.Intent, Attempt: attempt, Err: err, Latency: latency})
		if err == nil {
			comp.Provider = provider.Name()
			comp.Latency = latency
			return comp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !models.Retryable(err) {
			break
		}
		if attempt < r.policy.MaxAttempts {
			delay := r.backoffDelay(attempt, errors.Is(err, models.ErrRateLimited))
			if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, fmt.Errorf("%s: %w (%v)", provider.Name(), models.ErrProviderExhausted, lastErr)
}

// backoffDelay doubles per attempt up to the cap, with jitter; rate limits
// start from a doubled base to back off harder.
func (r *Router) backoffDelay(attempt int, rateLimited bool) time.Duration {
	base := r.policy.Base
	if rateLimited {
		base *= 2
	}
	delay := base * time.Duration(1<<(attempt-1))
	if delay > r.policy.Cap {
		delay = r.policy.Cap
	}
	r.randMu.Lock()
	jittered := time.Duration(r.rand.Float64() * float64(delay))
	r.randMu.Unlock()
	if jittered <= 0 {
		return delay
	}
	return jittered
}

func (r *Router) emit(a Attempt) {
	if r.observe != nil {
		r.observe(a)
	}
}

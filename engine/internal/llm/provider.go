// Package llm routes model calls across a provider fallback chain with
// retry, usage accounting, and degradation-aware provider selection.
package llm

import (
	"context"
	"time"
)

// Intent classifies what a model call is for; the router uses it together
// with the degradation tier to pick the starting provider.
type Intent string

const (
	IntentPlan       Intent = "plan"
	IntentSummarize  Intent = "summarize"
	IntentSynthesize Intent = "synthesize"
	IntentJudge      Intent = "judge"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is a single logical completion request. Adapters compose the wire
// message list in a fixed order — static system prompt, append-only prior
// turns, dynamic user prompt — so providers with explicit prompt caching get
// stable prefixes.
type Request struct {
	System      string
	History     []Message
	Prompt      string
	Temperature float32
	MaxTokens   int
	Intent      Intent
}

// Completion is the normalized provider response with usage attribution.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
	CachedTokens int
	CostUSD      float64
	Model        string
	Provider     string
	Latency      time.Duration
}

// TotalTokens is the sum the budget tracker accounts for.
func (c *Completion) TotalTokens() int { return c.InputTokens + c.OutputTokens }

// Provider is a single LLM backend. Implementations classify failures by
// wrapping models.ErrTransient, models.ErrRateLimited, or models.ErrPermanent
// so the router can decide between retry and fallback.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Pricing converts token usage to USD for one model.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost computes the USD cost of a call under this price card.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}

package search

import (
	"context"
)

// Depth selects provider-side search thoroughness.
type Depth string

const (
	DepthBasic    Depth = "basic"
	DepthAdvanced Depth = "advanced"
)

// Hit is a raw provider result before normalization and scoring policy.
type Hit struct {
	URL     string
	Title   string
	Snippet string
	Score   float64
}

// Provider executes one query against a search backend. Implementations
// classify failures with models.ErrRateLimited / ErrTransient / ErrPermanent
// so the service can retry or fall through the chain.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int, depth Depth) ([]Hit, error)
}

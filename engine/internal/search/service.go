package search

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"delver/engine/models"
)

// QueryExpander turns a subtopic into k search queries (direct, broader,
// narrower). The engine supplies one backed by the model router; when it
// fails the service falls back to the subtopic's own queries.
type QueryExpander func(ctx context.Context, subtopic models.Subtopic, k int) ([]string, error)

// Config tunes the service.
type Config struct {
	MaxResults     int
	Depth          Depth
	MinScore       float64
	MaxConcurrent  int64
	InterCallDelay time.Duration
	RetryBase      time.Duration
	RetryCap       time.Duration
	RetryAttempts  int
}

// withDefaults fills unset fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.MaxResults <= 0 {
		c.MaxResults = 10
	}
	if c.Depth == "" {
		c.Depth = DepthAdvanced
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.3
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.InterCallDelay <= 0 {
		c.InterCallDelay = 500 * time.Millisecond
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	return c
}

// Batch is the outcome of searching one subtopic: new deduplicated results
// plus every normalized URL observed (for the run-wide seen set).
type Batch struct {
	Results  []models.SearchResult
	SeenURLs []string
	Errors   []models.StageError
}

// Service expands a subtopic into queries, executes them under bounded
// concurrency and pacing, and deduplicates the merged results.
type Service struct {
	providers []Provider
	expand    QueryExpander
	cfg       Config
	sem       *semaphore.Weighted
	pacer     *rate.Limiter

	randMu sync.Mutex
	rand   *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

// NewService wires the provider chain (ordered; later entries are per-query
// fallbacks) and the expander.
func NewService(providers []Provider, expand QueryExpander, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		providers: providers,
		expand:    expand,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		pacer:     rate.NewLimiter(rate.Every(cfg.InterCallDelay), 1),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// SetSleeper overrides backoff sleeping (tests).
func (s *Service) SetSleeper(fn func(ctx context.Context, d time.Duration) error) { s.sleep = fn }

// Search runs the full per-subtopic pipeline. queryCount is tier-dependent
// (k=3 at full capacity, k=2 reduced). seen holds the run-wide normalized
// URL set; results already seen are dropped. Search never fails the run: a
// fully failed subtopic comes back with zero results and the errors recorded.
func (s *Service) Search(ctx context.Context, subtopic models.Subtopic, queryCount int, seen models.URLSet) Batch {
	queries := s.queriesFor(ctx, subtopic, queryCount)
	var (
		mu      sync.Mutex
		merged  []Hit
		batch   Batch
		wg      sync.WaitGroup
	)
	for _, query := range queries {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			hits, err := s.executeQuery(ctx, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				batch.Errors = append(batch.Errors, models.StageError{
					Stage:      "search",
					SubtopicID: subtopic.ID,
					Message:    fmt.Sprintf("query %q: %v", q, err),
					At:         time.Now().UTC(),
				})
				return
			}
			merged = append(merged, hits...)
		}(query)
	}
	wg.Wait()

	inBatch := make(map[string]struct{})
	for _, hit := range merged {
		normalized := NormalizeURL(hit.URL)
		if normalized == "" {
			continue
		}
		if _, dup := inBatch[normalized]; dup {
			continue
		}
		inBatch[normalized] = struct{}{}
		batch.SeenURLs = append(batch.SeenURLs, normalized)
		if seen.Contains(normalized) {
			continue
		}
		if hit.Score < s.cfg.MinScore {
			continue
		}
		batch.Results = append(batch.Results, models.SearchResult{
			URL:        normalized,
			Title:      hit.Title,
			Snippet:    hit.Snippet,
			Score:      hit.Score,
			SubtopicID: subtopic.ID,
		})
	}
	sort.SliceStable(batch.Results, func(i, j int) bool {
		return batch.Results[i].Score > batch.Results[j].Score
	})
	sort.Strings(batch.SeenURLs)
	return batch
}

// queriesFor expands the subtopic via the model router, falling back to the
// planner-provided queries and finally the bare title.
func (s *Service) queriesFor(ctx context.Context, subtopic models.Subtopic, k int) []string {
	if k <= 0 {
		k = 3
	}
	if s.expand != nil {
		if queries, err := s.expand(ctx, subtopic, k); err == nil && len(queries) > 0 {
			if len(queries) > k {
				queries = queries[:k]
			}
			return queries
		}
	}
	if len(subtopic.SearchQueries) > 0 {
		queries := subtopic.SearchQueries
		if len(queries) > k {
			queries = queries[:k]
		}
		return queries
	}
	return []string{strings.TrimSpace(subtopic.Title)}
}

// executeQuery runs one query through the provider chain under the
// concurrency semaphore and pacing limiter. Transient failures retry with
// jittered backoff; persistent failure falls through to the next provider.
func (s *Service) executeQuery(ctx context.Context, query string) ([]Hit, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	var lastErr error
	for _, provider := range s.providers {
		hits, err := s.callWithRetry(ctx, provider, query)
		if err == nil {
			return hits, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no search providers configured: %w", models.ErrPermanent)
	}
	return nil, lastErr
}

func (s *Service) callWithRetry(ctx context.Context, provider Provider, query string) ([]Hit, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if err := s.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		hits, err := provider.Search(ctx, query, s.cfg.MaxResults, s.cfg.Depth)
		if err == nil {
			return hits, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !models.Retryable(err) {
			break
		}
		if attempt < s.cfg.RetryAttempts {
			if err := s.sleep(ctx, s.backoffDelay(attempt, errors.Is(err, models.ErrRateLimited))); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%s: %w (%v)", provider.Name(), models.ErrProviderExhausted, lastErr)
}

func (s *Service) backoffDelay(attempt int, rateLimited bool) time.Duration {
	base := s.cfg.RetryBase
	if rateLimited {
		base *= 2
	}
	delay := base * time.Duration(1<<(attempt-1))
	if delay > s.cfg.RetryCap {
		delay = s.cfg.RetryCap
	}
	s.randMu.Lock()
	jittered := time.Duration(s.rand.Float64() * float64(delay))
	s.randMu.Unlock()
	if jittered <= 0 {
		return delay
	}
	return jittered
}

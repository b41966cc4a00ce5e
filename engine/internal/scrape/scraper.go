package scrape

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"delver/engine/models"
)

// Config tunes the scraper.
type Config struct {
	QualityReject     float64
	QualityAccept     float64
	FallbackThreshold float64
	Timeout           time.Duration
	MaxConcurrent     int
	RetryAttempts     int
}

func (c Config) withDefaults() Config {
	if c.QualityReject <= 0 {
		c.QualityReject = 0.3
	}
	if c.QualityAccept <= 0 {
		c.QualityAccept = 0.7
	}
	if c.FallbackThreshold <= 0 {
		c.FallbackThreshold = c.QualityAccept
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 2
	}
	return c
}

// Outcome is the result of scraping one subtopic's result list.
type Outcome struct {
	Pages  []models.ScrapedPage
	Errors []models.StageError
}

// Scraper fetches pages through a primary extractor with a quality-gated
// fallback. URL failures are recorded, never fatal.
type Scraper struct {
	primary  Extractor
	fallback Extractor
	cfg      Config
}

// NewScraper builds a scraper; fallback may be nil.
func NewScraper(primary, fallback Extractor, cfg Config) *Scraper {
	return &Scraper{primary: primary, fallback: fallback, cfg: cfg.withDefaults()}
}

// Scrape processes the given search results concurrently (bounded) and
// returns retained pages sorted by (subtopic, quality desc, url) so the
// downstream summarize stage sees deterministic ordering regardless of
// completion order.
func (s *Scraper) Scrape(ctx context.Context, results []models.SearchResult) Outcome {
	var (
		mu      sync.Mutex
		outcome Outcome
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, result := range results {
		g.Go(func() error {
			page, err := s.scrapeOne(gctx, result)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcome.Errors = append(outcome.Errors, models.StageError{
					Stage:      "scrape",
					SubtopicID: result.SubtopicID,
					URL:        result.URL,
					Message:    err.Error(),
					At:         time.Now().UTC(),
				})
				return nil
			}
			if page != nil {
				outcome.Pages = append(outcome.Pages, *page)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(outcome.Pages, func(i, j int) bool {
		a, b := outcome.Pages[i], outcome.Pages[j]
		if a.SubtopicID != b.SubtopicID {
			return a.SubtopicID < b.SubtopicID
		}
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		return a.URL < b.URL
	})
	return outcome
}

// scrapeOne runs primary extraction with retries, escalates to the fallback
// extractor when quality lands under the fallback threshold, and applies the
// reject/flag bands. A nil page with nil error means the page was rejected
// on quality grounds.
func (s *Scraper) scrapeOne(ctx context.Context, result models.SearchResult) (*models.ScrapedPage, error) {
	extraction, err := s.extractWithRetry(ctx, s.primary, result.URL)
	var quality float64
	var words int
	if err == nil {
		quality, words = Quality(extraction)
	}
	if s.fallback != nil && (err != nil || quality < s.cfg.FallbackThreshold) {
		if fbExtraction, fbErr := s.extractWithRetry(ctx, s.fallback, result.URL); fbErr == nil {
			fbQuality, fbWords := Quality(fbExtraction)
			if err != nil || fbQuality > quality {
				extraction, quality, words, err = fbExtraction, fbQuality, fbWords, nil
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrScrapeFailed, err)
	}
	if quality < s.cfg.QualityReject {
		return nil, nil
	}
	title := extraction.Title
	if title == "" {
		title = result.Title
	}
	return &models.ScrapedPage{
		URL:          result.URL,
		Title:        title,
		Content:      extraction.Content,
		QualityScore: quality,
		WordCount:    words,
		SubtopicID:   result.SubtopicID,
		Flagged:      quality < s.cfg.QualityAccept,
		FetchedAt:    extraction.FetchedAt,
		PublishDate:  extraction.PublishDate,
	}, nil
}

func (s *Scraper) extractWithRetry(ctx context.Context, extractor Extractor, url string) (*Extraction, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		extraction, err := extractor.Extract(ctx, url, s.cfg.Timeout)
		if err == nil {
			return extraction, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !models.Retryable(err) {
			break
		}
	}
	return nil, lastErr
}

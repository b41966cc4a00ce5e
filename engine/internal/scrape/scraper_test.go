package scrape

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delver/engine/models"
)

type stubExtractor struct {
	name string
	mu   sync.Mutex
	urls []string
	fn   func(url string) (*Extraction, error)
}

func (s *stubExtractor) Name() string { return s.name }

func (s *stubExtractor) Extract(ctx context.Context, url string, timeout time.Duration) (*Extraction, error) {
	s.mu.Lock()
	s.urls = append(s.urls, url)
	s.mu.Unlock()
	return s.fn(url)
}

func (s *stubExtractor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

func goodExtraction(url string, words int) *Extraction {
	return &Extraction{
		URL:       url,
		Title:     "Title for " + url,
		Content:   strings.Repeat("substantive research content ", words/3+1),
		FetchedAt: time.Now().UTC(),
	}
}

func results(subtopicID string, urls ...string) []models.SearchResult {
	out := make([]models.SearchResult, len(urls))
	for i, u := range urls {
		out[i] = models.SearchResult{URL: u, Title: "t", Score: 0.9, SubtopicID: subtopicID}
	}
	return out
}

func TestScrapeRetainsGoodPages(t *testing.T) {
	primary := &stubExtractor{name: "primary", fn: func(url string) (*Extraction, error) {
		return goodExtraction(url, 700), nil
	}}
	s := NewScraper(primary, nil, Config{})

	outcome := s.Scrape(context.Background(), results("s1", "https://a", "https://b"))
	require.Len(t, outcome.Pages, 2)
	assert.Empty(t, outcome.Errors)
	for _, page := range outcome.Pages {
		assert.Equal(t, "s1", page.SubtopicID)
		assert.False(t, page.Flagged)
		assert.Greater(t, page.WordCount, 600)
	}
}

func TestScrapeFallbackEngagesOnLowQuality(t *testing.T) {
	primary := &stubExtractor{name: "primary", fn: func(url string) (*Extraction, error) {
		return goodExtraction(url, 30), nil // thin extraction
	}}
	fallback := &stubExtractor{name: "fallback", fn: func(url string) (*Extraction, error) {
		return goodExtraction(url, 700), nil
	}}
	s := NewScraper(primary, fallback, Config{})

	outcome := s.Scrape(context.Background(), results("s1", "https://a"))
	require.Len(t, outcome.Pages, 1)
	assert.Equal(t, 1, fallback.calls())
	assert.Greater(t, outcome.Pages[0].WordCount, 600, "fallback extraction should win")
}

func TestScrapeFallbackEngagesOnPrimaryError(t *testing.T) {
	primary := &stubExtractor{name: "primary", fn: func(url string) (*Extraction, error) {
		return nil, fmt.Errorf("blocked: %w", models.ErrPermanent)
	}}
	fallback := &stubExtractor{name: "fallback", fn: func(url string) (*Extraction, error) {
		return goodExtraction(url, 700), nil
	}}
	s := NewScraper(primary, fallback, Config{})

	outcome := s.Scrape(context.Background(), results("s1", "https://a"))
	require.Len(t, outcome.Pages, 1)
	assert.Empty(t, outcome.Errors)
}

func TestScrapeRecordsFailuresWithoutAborting(t *testing.T) {
	primary := &stubExtractor{name: "primary", fn: func(url string) (*Extraction, error) {
		if url == "https://broken" {
			return nil, fmt.Errorf("unreachable: %w", models.ErrPermanent)
		}
		return goodExtraction(url, 700), nil
	}}
	s := NewScraper(primary, nil, Config{})

	outcome := s.Scrape(context.Background(), results("s1", "https://broken", "https://fine"))
	require.Len(t, outcome.Pages, 1)
	require.Len(t, outcome.Errors, 1)
	assert.Equal(t, "https://broken", outcome.Errors[0].URL)
	assert.Equal(t, "scrape", outcome.Errors[0].Stage)
}

func TestScrapeQualityBands(t *testing.T) {
	// Between reject and accept: retained but flagged. Words control length
	// score; no fallback so the band lands where the extraction does.
	primary := &stubExtractor{name: "primary", fn: func(url string) (*Extraction, error) {
		switch url {
		case "https://flagged":
			return goodExtraction(url, 200), nil
		default:
			return goodExtraction(url, 700), nil
		}
	}}
	s := NewScraper(primary, nil, Config{})

	outcome := s.Scrape(context.Background(), results("s1", "https://flagged", "https://solid"))
	require.Len(t, outcome.Pages, 2)
	byURL := map[string]models.ScrapedPage{}
	for _, p := range outcome.Pages {
		byURL[p.URL] = p
	}
	assert.True(t, byURL["https://flagged"].Flagged)
	assert.False(t, byURL["https://solid"].Flagged)
}

func TestScrapeRejectsWorthlessPages(t *testing.T) {
	primary := &stubExtractor{name: "primary", fn: func(url string) (*Extraction, error) {
		return &Extraction{URL: url, Content: "", HTML: "<a href='/'>only links</a>"}, nil
	}}
	s := NewScraper(primary, nil, Config{})

	outcome := s.Scrape(context.Background(), results("s1", "https://junk"))
	assert.Empty(t, outcome.Pages)
	assert.Empty(t, outcome.Errors, "quality rejection is not an error")
}

func TestScrapeOutputOrderIsDeterministic(t *testing.T) {
	primary := &stubExtractor{name: "primary", fn: func(url string) (*Extraction, error) {
		words := 700
		if strings.HasSuffix(url, "short") {
			words = 250
		}
		return goodExtraction(url, words), nil
	}}
	s := NewScraper(primary, nil, Config{MaxConcurrent: 4})

	mixed := append(results("s2", "https://b/short"), results("s1", "https://z", "https://a")...)
	outcome := s.Scrape(context.Background(), mixed)
	require.Len(t, outcome.Pages, 3)
	// Sorted by (subtopic, quality desc, url): s1 first, equal-quality pages
	// break ties on URL.
	assert.Equal(t, "s1", outcome.Pages[0].SubtopicID)
	assert.Equal(t, "https://a", outcome.Pages[0].URL)
	assert.Equal(t, "https://z", outcome.Pages[1].URL)
	assert.Equal(t, "s2", outcome.Pages[2].SubtopicID)
}

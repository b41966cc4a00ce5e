// Package scrape turns search results into quality-scored page content.
// A readability extractor runs first; pages it handles poorly are retried
// through a colly-based fallback with full HTML cleanup and markdown
// conversion.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"

	"delver/engine/models"
)

// Extraction is raw extractor output before quality policy is applied. HTML
// holds the original document for boilerplate analysis.
type Extraction struct {
	URL         string
	Title       string
	Content     string
	HTML        string
	MIME        string
	FetchedAt   time.Time
	PublishDate *time.Time
}

// Extractor fetches and extracts one page.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, pageURL string, timeout time.Duration) (*Extraction, error)
}

// ReadabilityExtractor is the primary extractor: plain HTTP fetch plus
// go-readability article extraction.
type ReadabilityExtractor struct {
	HTTPClient *http.Client
	UserAgent  string
}

func (e *ReadabilityExtractor) Name() string { return "readability" }

func (e *ReadabilityExtractor) Extract(ctx context.Context, pageURL string, timeout time.Duration) (*Extraction, error) {
	client := e.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("scrape: %w: %v", models.ErrPermanent, err)
	}
	if e.UserAgent != "" {
		req.Header.Set("User-Agent", e.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("scrape %s: %w: %v", pageURL, models.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("scrape %s: status %d: %w", pageURL, resp.StatusCode, models.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("scrape %s: status %d: %w", pageURL, resp.StatusCode, models.ErrTransient)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("scrape %s: status %d: %w", pageURL, resp.StatusCode, models.ErrPermanent)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("scrape %s: read body: %w: %v", pageURL, models.ErrTransient, err)
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("scrape: %w: %v", models.ErrPermanent, err)
	}
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: extract: %w: %v", pageURL, models.ErrScrapeFailed, err)
	}
	html := string(body)
	return &Extraction{
		URL:         pageURL,
		Title:       article.Title,
		Content:     Sanitize(article.TextContent),
		HTML:        html,
		MIME:        resp.Header.Get("Content-Type"),
		FetchedAt:   time.Now().UTC(),
		PublishDate: extractPublishDate(html),
	}, nil
}

// CollyExtractor is the fallback: a colly collector with cookie/redirect
// handling, goquery boilerplate removal, and markdown conversion. It copes
// with pages that defeat plain readability extraction.
type CollyExtractor struct {
	UserAgent string
}

func (e *CollyExtractor) Name() string { return "colly" }

func (e *CollyExtractor) Extract(ctx context.Context, pageURL string, timeout time.Duration) (*Extraction, error) {
	c := colly.NewCollector()
	if timeout > 0 {
		c.SetRequestTimeout(timeout)
	}
	if e.UserAgent != "" {
		c.UserAgent = e.UserAgent
	}
	var (
		body     []byte
		status   int
		mime     string
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
		status = r.StatusCode
		mime = r.Headers.Get("Content-Type")
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})
	if err := c.Visit(pageURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	c.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if fetchErr != nil {
		switch {
		case status == http.StatusTooManyRequests:
			return nil, fmt.Errorf("scrape %s: %w: %v", pageURL, models.ErrRateLimited, fetchErr)
		case status >= 500 || status == 0:
			return nil, fmt.Errorf("scrape %s: %w: %v", pageURL, models.ErrTransient, fetchErr)
		default:
			return nil, fmt.Errorf("scrape %s: %w: %v", pageURL, models.ErrPermanent, fetchErr)
		}
	}
	html := string(body)
	cleaned, title := cleanHTML(html)
	markdown, err := htmltomarkdown.ConvertString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: markdown: %w: %v", pageURL, models.ErrScrapeFailed, err)
	}
	return &Extraction{
		URL:         pageURL,
		Title:       title,
		Content:     Sanitize(markdown),
		HTML:        html,
		MIME:        mime,
		FetchedAt:   time.Now().UTC(),
		PublishDate: extractPublishDate(html),
	}, nil
}

// cleanHTML strips navigation chrome and returns the main content region
// plus the document title.
func cleanHTML(html string) (content, title string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html, ""
	}
	title = strings.TrimSpace(doc.Find("title").Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	doc.Find("script, style, nav, footer, aside, header").Remove()
	doc.Find(".advertisement, .ad, .ads, .sidebar, .navigation, #comments, .comments").Remove()
	for _, selector := range []string{"main", "article", ".content", "#content", ".post", ".entry"} {
		if sel := doc.Find(selector); sel.Length() > 0 {
			if inner, err := sel.Html(); err == nil && strings.TrimSpace(inner) != "" {
				return inner, title
			}
		}
	}
	if body, err := doc.Find("body").Html(); err == nil && strings.TrimSpace(body) != "" {
		return body, title
	}
	return html, title
}

// extractPublishDate reads common publish-date meta tags.
func extractPublishDate(html string) *time.Time {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	candidates := []string{
		"meta[property='article:published_time']",
		"meta[name='article:published_time']",
		"meta[name='date']",
		"meta[name='publish-date']",
		"meta[itemprop='datePublished']",
	}
	for _, selector := range candidates {
		if val, ok := doc.Find(selector).Attr("content"); ok {
			for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
				if ts, err := time.Parse(layout, strings.TrimSpace(val)); err == nil {
					utc := ts.UTC()
					return &utc
				}
			}
		}
	}
	return nil
}

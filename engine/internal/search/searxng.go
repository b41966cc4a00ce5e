package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"delver/engine/models"
)

// SearxNGProvider adapts a self-hosted SearxNG instance's JSON API. SearxNG
// reports no relevance score, so hits are scored by rank position.
type SearxNGProvider struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (p *SearxNGProvider) Name() string { return "searxng" }

type searxngResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

func (p *SearxNGProvider) Search(ctx context.Context, query string, maxResults int, depth Depth) ([]Hit, error) {
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	endpoint := fmt.Sprintf("%s/search?%s", p.BaseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("searxng: %w: %v", models.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyHTTPStatus("searxng", resp.StatusCode); err != nil {
		return nil, err
	}
	var parsed searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w: %v", models.ErrTransient, err)
	}
	hits := make([]Hit, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		if maxResults > 0 && i >= maxResults {
			break
		}
		// Rank-derived score: first result 1.0, decaying linearly.
		score := 1.0 - float64(i)*0.05
		if score < 0.1 {
			score = 0.1
		}
		hits = append(hits, Hit{URL: r.URL, Title: r.Title, Snippet: r.Content, Score: score})
	}
	return hits, nil
}

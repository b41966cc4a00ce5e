package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"delver/engine/models"
)

const defaultTavilyEndpoint = "https://api.tavily.com/search"

// TavilyProvider adapts the Tavily REST API.
type TavilyProvider struct {
	APIKey     string
	Endpoint   string
	HTTPClient *http.Client
}

func (p *TavilyProvider) Name() string { return "tavily" }

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResponse struct {
	Results []struct {
		URL     string  `json:"url"`
		Title   string  `json:"title"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (p *TavilyProvider) Search(ctx context.Context, query string, maxResults int, depth Depth) ([]Hit, error) {
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = defaultTavilyEndpoint
	}
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	body, err := json.Marshal(tavilyRequest{APIKey: p.APIKey, Query: query, MaxResults: maxResults, SearchDepth: string(depth)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tavily: %w: %v", models.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyHTTPStatus("tavily", resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, err
	}
	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w: %v", models.ErrTransient, err)
	}
	hits := make([]Hit, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		hits = append(hits, Hit{URL: r.URL, Title: r.Title, Snippet: r.Content, Score: r.Score})
	}
	return hits, nil
}

// classifyHTTPStatus maps a provider status code onto domain error kinds.
func classifyHTTPStatus(provider string, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: status %d: %w", provider, status, models.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("%s: status %d: %w", provider, status, models.ErrTransient)
	default:
		return fmt.Errorf("%s: status %d: %w", provider, status, models.ErrPermanent)
	}
}

package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delver/engine/models"
)

func TestTavilyProvider(t *testing.T) {
	t.Run("parses_results", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req tavilyRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "vector databases", req.Query)
			assert.Equal(t, "advanced", req.SearchDepth)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{
					{"url": "https://example.com/a", "title": "A", "content": "snippet a", "score": 0.91},
					{"url": "https://example.com/b", "title": "B", "content": "snippet b", "score": 0.72},
				},
			})
		}))
		defer srv.Close()

		p := &TavilyProvider{APIKey: "k", Endpoint: srv.URL}
		hits, err := p.Search(context.Background(), "vector databases", 10, DepthAdvanced)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "https://example.com/a", hits[0].URL)
		assert.InDelta(t, 0.91, hits[0].Score, 1e-9)
	})

	t.Run("classifies_rate_limit", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()
		p := &TavilyProvider{APIKey: "k", Endpoint: srv.URL}
		_, err := p.Search(context.Background(), "q", 10, DepthBasic)
		assert.ErrorIs(t, err, models.ErrRateLimited)
	})

	t.Run("classifies_server_error_as_transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		p := &TavilyProvider{APIKey: "k", Endpoint: srv.URL}
		_, err := p.Search(context.Background(), "q", 10, DepthBasic)
		assert.ErrorIs(t, err, models.ErrTransient)
	})

	t.Run("classifies_client_error_as_permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()
		p := &TavilyProvider{APIKey: "bad", Endpoint: srv.URL}
		_, err := p.Search(context.Background(), "q", 10, DepthBasic)
		assert.ErrorIs(t, err, models.ErrPermanent)
	})
}

func TestSearxNGProvider(t *testing.T) {
	t.Run("scores_by_rank", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "vector db", r.URL.Query().Get("q"))
			assert.Equal(t, "json", r.URL.Query().Get("format"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{
					{"url": "https://example.com/1", "title": "one", "content": "c1"},
					{"url": "https://example.com/2", "title": "two", "content": "c2"},
					{"url": "https://example.com/3", "title": "three", "content": "c3"},
				},
			})
		}))
		defer srv.Close()

		p := &SearxNGProvider{BaseURL: srv.URL}
		hits, err := p.Search(context.Background(), "vector db", 2, DepthBasic)
		require.NoError(t, err)
		require.Len(t, hits, 2, "maxResults caps the list")
		assert.Greater(t, hits[0].Score, hits[1].Score)
	})

	t.Run("connection_failure_is_transient", func(t *testing.T) {
		p := &SearxNGProvider{BaseURL: "http://127.0.0.1:1"}
		_, err := p.Search(context.Background(), "q", 5, DepthBasic)
		assert.ErrorIs(t, err, models.ErrTransient)
	})
}

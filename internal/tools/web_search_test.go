package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSearchUnconfigured(t *testing.T) {
	tool := NewWebSearch(WebSearchConfig{}, nil)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "suffix automaton"})
	require.NoError(t, err)
	assert.Contains(t, out, "not configured")
}

func TestWebSearchFormatsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/search", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req firecrawlSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "kmp failure function", req.Query)

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"web": []map[string]any{
					{"title": "KMP Algorithm", "url": "https://example.com/kmp", "description": "prefix function explained"},
					{"title": "Failure links", "url": "https://example.com/fail", "markdown": "long article body"},
				},
			},
		})
	}))
	defer srv.Close()

	tool := NewWebSearch(WebSearchConfig{APIKey: "test-key", BaseURL: srv.URL}, nil)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "kmp failure function"})
	require.NoError(t, err)
	assert.Contains(t, out, "[1] KMP Algorithm")
	assert.Contains(t, out, "prefix function explained")
	assert.Contains(t, out, "[2] Failure links")
	assert.Contains(t, out, "long article body")
}

func TestWebSearchServerErrorIsObservation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	tool := NewWebSearch(WebSearchConfig{APIKey: "test-key", BaseURL: srv.URL}, nil)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "anything"})
	require.NoError(t, err)
	assert.Contains(t, out, "Web search failed")
}

func TestWebSearchEmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{"web": []any{}}})
	}))
	defer srv.Close()

	tool := NewWebSearch(WebSearchConfig{APIKey: "test-key", BaseURL: srv.URL}, nil)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "anything"})
	require.NoError(t, err)
	assert.Equal(t, "No web results found.", out)
}

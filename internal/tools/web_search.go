package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WebSearchConfig configures the Firecrawl-backed web search tool.
type WebSearchConfig struct {
	APIKey     string
	BaseURL    string // default https://api.firecrawl.dev
	MaxResults int
	Timeout    time.Duration
}

const firecrawlDefaultBaseURL = "https://api.firecrawl.dev"

type firecrawlSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type firecrawlSearchResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Web []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Markdown    string `json:"markdown"`
		} `json:"web"`
	} `json:"data"`
}

// NewWebSearch builds the supplementary web retrieval tool. Without an
// API key the tool stays registered and reports itself unconfigured,
// so workers always see the same tool surface.
func NewWebSearch(cfg WebSearchConfig, logger *zap.Logger) *Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = firecrawlDefaultBaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	return &Tool{
		Name: "web_search",
		Description: "Search the web for supplementary algorithm knowledge. " +
			"Use when the knowledge graph and vector store lack the needed information.",
		Schema: Schema{
			Required: []string{"query"},
			Properties: map[string]Property{
				"query": {Type: "string", Description: "Search query string."},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			if cfg.APIKey == "" {
				return "Web search is not configured (missing FIRECRAWL_API_KEY).", nil
			}
			query := strings.TrimSpace(StringArg(args, "query"))
			if query == "" {
				return "Web search needs a non-empty query.", nil
			}

			body, err := json.Marshal(firecrawlSearchRequest{Query: query, Limit: cfg.MaxResults})
			if err != nil {
				return "", fmt.Errorf("failed to encode search request: %w", err)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				cfg.BaseURL+"/v2/search", bytes.NewReader(body))
			if err != nil {
				return "", fmt.Errorf("failed to build search request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

			resp, err := httpClient.Do(req)
			if err != nil {
				logger.Warn("web search request failed", zap.Error(err))
				return "Web search failed. Please try again later.", nil
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				io.Copy(io.Discard, resp.Body)
				logger.Warn("web search returned non-200",
					zap.Int("status", resp.StatusCode))
				return "Web search failed. Please try again later.", nil
			}

			var parsed firecrawlSearchResponse
			if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
				logger.Warn("web search response decode failed", zap.Error(err))
				return "Web search failed. Please try again later.", nil
			}
			if len(parsed.Data.Web) == 0 {
				return "No web results found.", nil
			}

			var parts []string
			for i, item := range parsed.Data.Web {
				snippet := item.Description
				if snippet == "" && item.Markdown != "" {
					snippet = item.Markdown
					if len(snippet) > 300 {
						snippet = snippet[:300]
					}
				}
				parts = append(parts, fmt.Sprintf("[%d] %s\n    %s\n    %s",
					i+1, item.Title, item.URL, snippet))
			}
			return strings.Join(parts, "\n\n"), nil
		},
	}
}

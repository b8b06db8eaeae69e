package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultTavilyBaseURL = "https://api.tavily.com/search"
	DefaultTavilyTimeout = 30 * time.Second

	tavilyMaxResults = 20
)

// TavilyClient implements SearchClient for Tavily.
type TavilyClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// TavilyOption customises a TavilyClient.
type TavilyOption func(*TavilyClient)

// WithTavilyBaseURL points the client at another endpoint (tests, proxies).
func WithTavilyBaseURL(url string) TavilyOption {
	return func(c *TavilyClient) { c.baseURL = url }
}

// WithTavilyHTTPClient replaces the HTTP client.
func WithTavilyHTTPClient(client *http.Client) TavilyOption {
	return func(c *TavilyClient) { c.httpClient = client }
}

// NewTavilyClient creates a new Tavily search client.
func NewTavilyClient(apiKey string, opts ...TavilyOption) *TavilyClient {
	c := &TavilyClient{
		apiKey:     apiKey,
		baseURL:    DefaultTavilyBaseURL,
		httpClient: &http.Client{Timeout: DefaultTavilyTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tavilyRequest struct {
	APIKey      string `json:"api_key"` // Tavily reads the key from the body
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth,omitempty"`
	Topic       string `json:"topic,omitempty"`
}

type tavilyResponse struct {
	Results []tavilyResult `json:"results"`
	Query   string         `json:"query"`
}

type tavilyResult struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// Search implements SearchClient.
func (c *TavilyClient) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResponse, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	if opts.MaxResults > tavilyMaxResults {
		opts.MaxResults = tavilyMaxResults
	}

	payload, err := json.Marshal(tavilyRequest{
		APIKey:      c.apiKey,
		Query:       query,
		MaxResults:  opts.MaxResults,
		SearchDepth: opts.Depth,
		Topic:       opts.Topic,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "tavily", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var decoded tavilyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]SearchResult, len(decoded.Results))
	for i, r := range decoded.Results {
		results[i] = SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Score:   r.Score,
		}
		if r.PublishedDate != "" {
			if t, err := time.Parse(time.RFC3339, r.PublishedDate); err == nil {
				results[i].PublishedAt = &t
			}
		}
	}

	return &SearchResponse{
		Results:   results,
		Query:     query,
		Timestamp: time.Now(),
	}, nil
}

package external

import (
	"context"
	"fmt"
	"time"
)

// SearchClient is implemented by web search providers.
type SearchClient interface {
	Search(ctx context.Context, query string, opts SearchOptions) (*SearchResponse, error)
}

// SearchOptions configures search behavior.
type SearchOptions struct {
	MaxResults int
	Depth      string // "basic" or "advanced"
	Topic      string // "general", "news" or "finance"
}

// SearchResponse contains search results from an external API.
type SearchResponse struct {
	Results   []SearchResult
	Query     string
	Timestamp time.Time
}

// SearchResult represents a single search result.
type SearchResult struct {
	Title       string
	URL         string
	Snippet     string
	PublishedAt *time.Time
	Score       float64
}

// APIError is a non-2xx answer from a search provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

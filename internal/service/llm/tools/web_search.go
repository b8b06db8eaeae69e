package tools

import (
	"context"
	"fmt"
	"strings"

	"raven/internal/service/llm/tools/external"
)

type webSearchArgs struct {
	Query      string `json:"query" jsonschema:"minLength=1" jsonschema_description:"Search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"minimum=1" jsonschema_description:"Maximum results to return (default 5, max 10)"`
	Topic      string `json:"topic,omitempty" jsonschema:"enum=general,enum=news,enum=finance" jsonschema_description:"Search category"`
}

// WebSearchTool implements the 'web_search' tool for searching the web via external APIs.
type WebSearchTool struct {
	*FuncTool
	client external.SearchClient
	config *ToolConfig
}

// NewWebSearchTool creates a new WebSearchTool instance.
func NewWebSearchTool(client external.SearchClient, config *ToolConfig) *WebSearchTool {
	if config == nil {
		config = DefaultToolConfig()
	}
	t := &WebSearchTool{client: client, config: config}
	t.FuncTool = NewTypedTool("web_search",
		"Search the web for current information. Returns titles, URLs and snippets.",
		t.search)
	return t
}

// search returns {results: [...], query: string, result_count: int}
func (t *WebSearchTool) search(ctx context.Context, args webSearchArgs) (interface{}, error) {
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return nil, fmt.Errorf("query must not be blank")
	}

	maxResults := args.MaxResults
	if maxResults <= 0 {
		maxResults = t.config.WebSearchDefaultLimit
	} else if maxResults > t.config.WebSearchMaxLimit {
		maxResults = t.config.WebSearchMaxLimit
	}

	response, err := t.client.Search(ctx, query, external.SearchOptions{
		MaxResults: maxResults,
		Topic:      args.Topic,
	})
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}

	resultList := make([]map[string]interface{}, len(response.Results))
	for i, result := range response.Results {
		entry := map[string]interface{}{
			"title":   result.Title,
			"url":     result.URL,
			"snippet": result.Snippet,
		}
		if result.PublishedAt != nil {
			entry["published_at"] = result.PublishedAt.Format("2006-01-02")
		}
		if result.Score > 0 {
			entry["score"] = result.Score
		}
		resultList[i] = entry
	}

	return map[string]interface{}{
		"results":      resultList,
		"query":        query,
		"result_count": len(resultList),
	}, nil
}

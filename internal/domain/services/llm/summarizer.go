package llm

import (
	"context"

	"raven/internal/domain/models/llm"
)

// Summarizer derives retrieval queries and a title from a pending request.
type Summarizer interface {
	Summarize(ctx context.Context, input SummaryInput) (*Summary, error)
}

// SummaryInput is the content a summary is derived from.
type SummaryInput struct {
	// History is recent context used to resolve references in the request
	History []llm.Message
	// Request is the merged pending content
	Request []llm.ContentPart
}

// Summary holds the derived queries.
type Summary struct {
	ToolQuery string `json:"toolQuery"` // What capabilities the request needs
	Query     string `json:"query"`     // What past exchanges are relevant
	Title     string `json:"title"`     // Short label for the turn memory entry
}

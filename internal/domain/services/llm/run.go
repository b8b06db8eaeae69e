package llm

import (
	"context"

	"raven/internal/domain/models/llm"
)

// RunService accepts inbound requests and drives runs for them.
type RunService interface {
	// Submit queues the request and starts a run, interrupting a live run of the
	// same conversation and author
	Submit(ctx context.Context, req *InboundRequest) (*SubmitResult, error)

	// Cancel interrupts the live run and drops pending content
	Cancel(ctx context.Context, conversationID, authorID string) error

	// Clear cancels and deletes the conversation history with its blobs
	Clear(ctx context.Context, conversationID, authorID string) error
}

// InboundRequest is one message received from a channel
type InboundRequest struct {
	ConversationID string            `json:"conversation_id"`
	AuthorID       string            `json:"-"` // Set by the channel or the auth context
	Parts          []llm.ContentPart `json:"parts"`
	Edited         bool              `json:"edited,omitempty"`
}

// SubmitResult identifies the run started for a request
type SubmitResult struct {
	RunID       string `json:"run_id"`
	Interrupted bool   `json:"interrupted"`
	StreamURL   string `json:"stream_url,omitempty"`
}

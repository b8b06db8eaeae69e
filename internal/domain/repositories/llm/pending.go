package llm

import (
	"context"

	"raven/internal/domain/models/llm"
)

// PendingQueue holds inbound content per conversation+author until a run consumes it.
type PendingQueue interface {
	// Append adds a request at the tail of the queue
	Append(ctx context.Context, key string, req llm.PendingRequest) error

	// List returns all queued requests in arrival order
	List(ctx context.Context, key string) ([]llm.PendingRequest, error)

	// Clear drops the queue
	Clear(ctx context.Context, key string) error
}

// AgentHistoryStore keeps the private conversation of an agent per parent conversation.
type AgentHistoryStore interface {
	Load(ctx context.Context, agent, conversationID string) ([]llm.Message, error)
	// Append adds the messages of one finished exchange to the history atomically,
	// so concurrent invocations of the same agent never overwrite each other.
	Append(ctx context.Context, agent, conversationID string, messages []llm.Message) error
	Delete(ctx context.Context, conversationID string) error
}

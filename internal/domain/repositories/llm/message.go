package llm

import (
	"context"

	"raven/internal/domain/models/llm"
)

// MessageStore defines durable storage of conversation messages and their parts
type MessageStore interface {
	// InsertMessage persists a message and returns its ID.
	// User messages are decomposed into part rows, binary parts with inline data are
	// written to the blob store first. All rows of one message are written atomically;
	// when a transaction is present in ctx it is joined.
	InsertMessage(ctx context.Context, msg *llm.Message) (string, error)

	// PullMessageHistory loads messages by ID, ordered by creation time with parts
	// ordered by part order. Blob-backed parts are hydrated with their bytes.
	// Unknown IDs are skipped; a missing blob object returns domain.ErrNotFound.
	PullMessageHistory(ctx context.Context, ids []string) ([]llm.Message, error)

	// RecentMessages returns the newest `sets` exchange sets of a conversation in
	// chronological order. A set starts at a user message.
	RecentMessages(ctx context.Context, conversationID, authorID string, sets int) ([]llm.Message, error)

	// DeleteConversation removes every message of the author in the conversation and
	// returns the blob references that were attached to them.
	DeleteConversation(ctx context.Context, conversationID, authorID string) ([]llm.BlobRef, error)
}

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	llmModels "raven/internal/domain/models/llm"
	llmRepo "raven/internal/domain/repositories/llm"
)

// Metadata keys of turn memory entries in the vector index
const (
	metaConversation = "conversation"
	metaMessageIDs   = "messageIds"
	metaTitle        = "title"
	metaCreatedAt    = "createdAt"
)

// TurnMemory indexes completed exchanges for semantic recall.
type TurnMemory struct {
	index  llmRepo.VectorIndex
	logger *slog.Logger
	now    func() time.Time
}

// NewTurnMemory creates a turn memory over the turns namespace of index.
func NewTurnMemory(index llmRepo.VectorIndex, logger *slog.Logger) *TurnMemory {
	return &TurnMemory{index: index, logger: logger, now: time.Now}
}

// Remember creates exactly one entry covering messageIDs. When ctx carries a
// transaction, stores that support it join it.
func (m *TurnMemory) Remember(ctx context.Context, conversationID string, messageIDs []string, title string) (*llmModels.TurnMemoryEntry, error) {
	if len(messageIDs) == 0 {
		return nil, fmt.Errorf("turn memory entry needs at least one message")
	}

	entry := &llmModels.TurnMemoryEntry{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		MessageIDs:     append([]string(nil), messageIDs...),
		Title:          strings.TrimSpace(title),
		CreatedAt:      m.now().UTC(),
	}

	subject := entry.Title
	if subject == "" {
		subject = "conversation exchange"
	}

	metadata := map[string]string{
		metaConversation: conversationID,
		metaMessageIDs:   strings.Join(entry.MessageIDs, ","),
		metaTitle:        entry.Title,
		metaCreatedAt:    entry.CreatedAt.Format(time.RFC3339Nano),
	}
	if err := m.index.Upsert(ctx, llmRepo.NamespaceTurns, entry.ID, subject, metadata); err != nil {
		return nil, fmt.Errorf("index turn memory: %w", err)
	}

	m.logger.Debug("turn memory stored",
		"entry_id", entry.ID,
		"conversation_id", conversationID,
		"messages", len(entry.MessageIDs),
	)
	return entry, nil
}

// Recall returns the topK entries of the conversation closest to query.
func (m *TurnMemory) Recall(ctx context.Context, conversationID, query string, topK int) ([]llmModels.TurnMemoryEntry, error) {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	matches, err := m.index.Query(ctx, llmRepo.NamespaceTurns, query, topK, map[string]string{
		metaConversation: conversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("query turn memory: %w", err)
	}

	entries := make([]llmModels.TurnMemoryEntry, 0, len(matches))
	for _, match := range matches {
		entries = append(entries, entryFromMatch(match))
	}
	return entries, nil
}

// Forget deletes every entry of the conversation.
func (m *TurnMemory) Forget(ctx context.Context, conversationID string) (int, error) {
	deleted, err := m.index.Delete(ctx, llmRepo.NamespaceTurns, map[string]string{
		metaConversation: conversationID,
	})
	if err != nil {
		return 0, fmt.Errorf("forget turn memory: %w", err)
	}
	return deleted, nil
}

// MessageIDs flattens the message references of entries, keeping first occurrence order.
func MessageIDs(entries []llmModels.TurnMemoryEntry) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, entry := range entries {
		for _, id := range entry.MessageIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func entryFromMatch(match llmRepo.VectorMatch) llmModels.TurnMemoryEntry {
	entry := llmModels.TurnMemoryEntry{
		ID:             match.ID,
		ConversationID: match.Metadata[metaConversation],
		Title:          match.Metadata[metaTitle],
	}
	if ids := match.Metadata[metaMessageIDs]; ids != "" {
		entry.MessageIDs = strings.Split(ids, ",")
	}
	if created, err := time.Parse(time.RFC3339Nano, match.Metadata[metaCreatedAt]); err == nil {
		entry.CreatedAt = created
	}
	return entry
}

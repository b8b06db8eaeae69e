package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"raven/internal/domain"
	"raven/internal/domain/models/llm"
	"raven/internal/domain/repositories"
	llmRepo "raven/internal/domain/repositories/llm"
)

// MessageStore is an in-memory MessageStore with the same blob handling as the
// postgres implementation.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[string]llm.Message
	order    []string // insertion order
	blobs    repositories.BlobStore
	now      func() time.Time
}

// NewMessageStore creates an empty store writing binary parts to blobs
func NewMessageStore(blobs repositories.BlobStore) *MessageStore {
	return &MessageStore{
		messages: make(map[string]llm.Message),
		blobs:    blobs,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ llmRepo.MessageStore = (*MessageStore)(nil)

func (s *MessageStore) InsertMessage(ctx context.Context, msg *llm.Message) (string, error) {
	if msg.Role == llm.RoleUser {
		if err := llm.ValidateParts(msg.Parts); err != nil {
			return "", &domain.ValidationError{Message: fmt.Sprintf("user message: %v", err)}
		}
	}
	if msg.ConversationID == "" || msg.AuthorID == "" {
		return "", &domain.ValidationError{Message: "message needs a conversation and an author"}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	for i := range msg.Parts {
		part := &msg.Parts[i]
		if !part.IsBinary() || part.Blob != nil {
			continue
		}
		key := repositories.BlobKey(msg.ConversationID, msg.AuthorID, msg.ID, *part)
		ref, err := s.blobs.Put(ctx, key, part.Data, part.Mime())
		if err != nil {
			return "", fmt.Errorf("store part %d: %w", part.Order, err)
		}
		ref.OriginalName = part.OriginalName
		part.Blob = &ref
		repositories.TrackBlobs(ctx, ref)
	}

	// Rows never hold inline bytes
	row := *msg
	row.Parts = make([]llm.ContentPart, len(msg.Parts))
	for i, p := range msg.Parts {
		p.Data = nil
		row.Parts[i] = p
	}
	llm.SortParts(row.Parts)

	s.mu.RLock()
	_, exists := s.messages[row.ID]
	s.mu.RUnlock()
	if exists {
		return "", &domain.ConflictError{
			Message:      fmt.Sprintf("message %s already exists", row.ID),
			ResourceType: "message",
			ResourceID:   row.ID,
		}
	}

	applyOrStage(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.messages[row.ID] = row
		s.order = append(s.order, row.ID)
	})
	return row.ID, nil
}

func (s *MessageStore) PullMessageHistory(ctx context.Context, ids []string) ([]llm.Message, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	s.mu.RLock()
	var out []llm.Message
	for _, id := range s.order {
		if wanted[id] {
			out = append(out, copyMessage(s.messages[id]))
		}
	}
	s.mu.RUnlock()

	for i := range out {
		for j := range out[i].Parts {
			part := &out[i].Parts[j]
			if part.Blob == nil {
				continue
			}
			data, err := s.blobs.Get(ctx, *part.Blob)
			if err != nil {
				return nil, fmt.Errorf("read part %d of message %s: %w", part.Order, out[i].ID, err)
			}
			part.Data = data
			part.MimeType = part.Blob.MimeType
		}
	}
	if out == nil {
		out = []llm.Message{}
	}
	return out, nil
}

func (s *MessageStore) RecentMessages(ctx context.Context, conversationID, authorID string, sets int) ([]llm.Message, error) {
	s.mu.RLock()
	var ids []string
	var all []llm.Message
	for _, id := range s.order {
		m := s.messages[id]
		if m.ConversationID == conversationID && m.AuthorID == authorID {
			all = append(all, m)
		}
	}
	s.mu.RUnlock()

	for _, m := range llm.LastExchangeSets(all, sets) {
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return []llm.Message{}, nil
	}

	messages, err := s.PullMessageHistory(ctx, ids)
	if err != nil {
		return nil, err
	}
	return llm.OrderToolResults(messages), nil
}

func (s *MessageStore) DeleteConversation(ctx context.Context, conversationID, authorID string) ([]llm.BlobRef, error) {
	var refs []llm.BlobRef
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	for _, id := range s.order {
		m := s.messages[id]
		if m.ConversationID != conversationID || m.AuthorID != authorID {
			kept = append(kept, id)
			continue
		}
		for _, p := range m.Parts {
			if p.Blob != nil {
				refs = append(refs, *p.Blob)
			}
		}
		delete(s.messages, id)
	}
	s.order = kept
	return refs, nil
}

// Count returns the number of stored messages
func (s *MessageStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// All returns every stored message in insertion order, without blob bytes
func (s *MessageStore) All() []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]llm.Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyMessage(s.messages[id]))
	}
	return out
}

func copyMessage(m llm.Message) llm.Message {
	parts := make([]llm.ContentPart, len(m.Parts))
	copy(parts, m.Parts)
	m.Parts = parts
	if len(parts) == 0 {
		m.Parts = nil
	}
	return m
}

package repositories

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/google/uuid"
	"raven/internal/domain/models/llm"
)

// BlobStore persists binary content parts outside the relational store.
type BlobStore interface {
	// Put writes data under key and returns its reference
	Put(ctx context.Context, key string, data []byte, contentType string) (llm.BlobRef, error)

	// Get reads the object behind ref
	// Returns domain.ErrNotFound (wrapped) if the object does not exist
	Get(ctx context.Context, ref llm.BlobRef) ([]byte, error)

	// Delete removes the object behind ref. Deleting a missing object is not an error.
	Delete(ctx context.Context, ref llm.BlobRef) error
}

// BlobKey builds the deterministic object key of a binary part:
// messages/{conversation}/{author}/{message}/{order}-{uuid}, with files appending
// -{originalName} (or -file when the name is unknown).
func BlobKey(conversationID, authorID, messageID string, part llm.ContentPart) string {
	key := fmt.Sprintf("%s%s/%d-%s", BlobKeyPrefix(conversationID, authorID), messageID, part.Order, uuid.NewString())
	if part.Type == llm.PartTypeFile {
		name := "file"
		if part.OriginalName != nil && *part.OriginalName != "" {
			name = path.Base(*part.OriginalName)
		}
		key += "-" + name
	}
	return key
}

// BlobKeyPrefix is the key prefix shared by every blob of one conversation and
// author: messages/{conversation}/{author}/.
func BlobKeyPrefix(conversationID, authorID string) string {
	return fmt.Sprintf("messages/%s/%s/", conversationID, authorID)
}

// BlobTracker records the blobs written under one transaction. Object stores
// are not transactional, so the transaction's owner deletes them when it
// rolls back.
type BlobTracker struct {
	mu   sync.Mutex
	refs []llm.BlobRef
}

type blobTrackerKey struct{}

// WithBlobTracker returns a context whose blob writes are recorded by the
// returned tracker.
func WithBlobTracker(ctx context.Context) (context.Context, *BlobTracker) {
	tracker := &BlobTracker{}
	return context.WithValue(ctx, blobTrackerKey{}, tracker), tracker
}

// TrackBlobs records refs on the tracker carried by ctx, if any.
func TrackBlobs(ctx context.Context, refs ...llm.BlobRef) {
	tracker, ok := ctx.Value(blobTrackerKey{}).(*BlobTracker)
	if !ok || len(refs) == 0 {
		return
	}
	tracker.mu.Lock()
	tracker.refs = append(tracker.refs, refs...)
	tracker.mu.Unlock()
}

// Refs returns the recorded blobs.
func (t *BlobTracker) Refs() []llm.BlobRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]llm.BlobRef(nil), t.refs...)
}

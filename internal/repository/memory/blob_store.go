package memory

import (
	"context"
	"fmt"
	"sync"

	"raven/internal/domain"
	"raven/internal/domain/models/llm"
	"raven/internal/domain/repositories"
)

// BlobStore keeps objects in a map. Used in dev without S3 and in tests.
type BlobStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
}

// NewBlobStore creates an empty in-memory blob store
func NewBlobStore(bucket string) *BlobStore {
	return &BlobStore{bucket: bucket, objects: make(map[string][]byte)}
}

var _ repositories.BlobStore = (*BlobStore)(nil)

func (s *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (llm.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return llm.BlobRef{}, err
	}
	if contentType == "" {
		contentType = llm.DefaultMimeType
	}
	stored := make([]byte, len(data))
	copy(stored, data)

	s.mu.Lock()
	s.objects[key] = stored
	s.mu.Unlock()

	return llm.BlobRef{Region: "local", Bucket: s.bucket, Key: key, MimeType: contentType}, nil
}

func (s *BlobStore) Get(ctx context.Context, ref llm.BlobRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.objects[ref.Key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", ref.Key, domain.ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *BlobStore) Delete(ctx context.Context, ref llm.BlobRef) error {
	s.mu.Lock()
	delete(s.objects, ref.Key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored objects
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

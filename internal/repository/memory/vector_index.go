package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	llmRepo "raven/internal/domain/repositories/llm"
	llmSvc "raven/internal/domain/services/llm"
)

type vectorEntry struct {
	id       string
	subject  string
	metadata map[string]string
	vector   []float32
}

// VectorIndex is a brute-force cosine similarity index.
type VectorIndex struct {
	mu         sync.RWMutex
	embedder   llmSvc.Embedder
	namespaces map[string]map[string]vectorEntry
	upserts    int
}

// NewVectorIndex creates an empty index embedding subjects with embedder
func NewVectorIndex(embedder llmSvc.Embedder) *VectorIndex {
	return &VectorIndex{
		embedder:   embedder,
		namespaces: make(map[string]map[string]vectorEntry),
	}
}

var _ llmRepo.VectorIndex = (*VectorIndex)(nil)

func (x *VectorIndex) Upsert(ctx context.Context, namespace, id, subject string, metadata map[string]string) error {
	vectors, err := x.embedder.Embed(ctx, []string{subject})
	if err != nil {
		return fmt.Errorf("embed subject: %w", err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("embed subject: got %d vectors", len(vectors))
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	entry := vectorEntry{id: id, subject: subject, metadata: meta, vector: vectors[0]}

	applyOrStage(ctx, func() {
		x.mu.Lock()
		defer x.mu.Unlock()
		ns, ok := x.namespaces[namespace]
		if !ok {
			ns = make(map[string]vectorEntry)
			x.namespaces[namespace] = ns
		}
		ns[id] = entry
		x.upserts++
	})
	return nil
}

func (x *VectorIndex) Query(ctx context.Context, namespace, subject string, topK int, filter map[string]string) ([]llmRepo.VectorMatch, error) {
	if topK <= 0 {
		return []llmRepo.VectorMatch{}, nil
	}
	vectors, err := x.embedder.Embed(ctx, []string{subject})
	if err != nil {
		return nil, fmt.Errorf("embed subject: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed subject: got %d vectors", len(vectors))
	}
	query := vectors[0]

	x.mu.RLock()
	matches := make([]llmRepo.VectorMatch, 0)
	for _, entry := range x.namespaces[namespace] {
		if !containsAll(entry.metadata, filter) {
			continue
		}
		meta := make(map[string]string, len(entry.metadata))
		for k, v := range entry.metadata {
			meta[k] = v
		}
		matches = append(matches, llmRepo.VectorMatch{
			ID:       entry.id,
			Metadata: meta,
			Score:    Cosine(query, entry.vector),
		})
	}
	x.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (x *VectorIndex) Delete(ctx context.Context, namespace string, filter map[string]string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	deleted := 0
	for id, entry := range x.namespaces[namespace] {
		if containsAll(entry.metadata, filter) {
			delete(x.namespaces[namespace], id)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of entries in a namespace
func (x *VectorIndex) Len(namespace string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.namespaces[namespace])
}

// Upserts returns how many upserts were applied, including replacements
func (x *VectorIndex) Upserts() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.upserts
}

func containsAll(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity of two vectors, 0 when either is empty
// or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

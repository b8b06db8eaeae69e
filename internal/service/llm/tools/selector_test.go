package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	llmRepo "raven/internal/domain/repositories/llm"
)

// fakeIndex scores tools by a fixed table; unknown names score 0.5.
type fakeIndex struct {
	mu       sync.Mutex
	entries  map[string]map[string]string
	scores   map[string]float64
	upserts  int
	queryErr error
}

func newFakeIndex(scores map[string]float64) *fakeIndex {
	return &fakeIndex{entries: map[string]map[string]string{}, scores: scores}
}

func (f *fakeIndex) Upsert(_ context.Context, namespace, id, _ string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.entries[namespace+"|"+id] = metadata
	return nil
}

func (f *fakeIndex) Delete(_ context.Context, namespace string, _ map[string]string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleted := 0
	for key := range f.entries {
		if strings.HasPrefix(key, namespace+"|") {
			delete(f.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeIndex) Query(_ context.Context, namespace, _ string, topK int, filter map[string]string) ([]llmRepo.VectorMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []llmRepo.VectorMatch
	for key, metadata := range f.entries {
		if !strings.HasPrefix(key, namespace+"|") || metadata["catalog"] != filter["catalog"] {
			continue
		}
		score, ok := f.scores[metadata["name"]]
		if !ok {
			score = 0.5
		}
		out = append(out, llmRepo.VectorMatch{ID: key, Metadata: metadata, Score: score})
	}
	// highest first, name as tie-breaker
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if a.Score > b.Score || (a.Score == b.Score && a.Metadata["name"] < b.Metadata["name"]) {
				break
			}
			out[j-1], out[j] = b, a
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func catalogOf(n int) *ToolRegistry {
	registry := NewToolRegistry()
	for i := 0; i < n; i++ {
		registry.Register(&mockTool{name: fmt.Sprintf("tool_%02d", i)})
	}
	return registry
}

func alwaysOnSet() *ToolRegistry {
	registry := NewToolRegistry()
	registry.Register(&mockTool{name: "send_message"})
	registry.Register(&mockTool{name: "cancel"})
	return registry
}

func TestSelector_Boundedness(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		catalogSize int
		limit       int
		floor       float64
		scores      map[string]float64
		wantCatalog int
	}{
		{"large catalog is capped", 40, 10, 0.25, nil, 10},
		{"small catalog returns all", 4, 10, 0.25, nil, 4},
		{"floor drops weak matches", 6, 10, 0.25, map[string]float64{"tool_00": 0.9, "tool_01": 0.1, "tool_02": 0.2}, 4},
		{"zero limit returns always-on only", 6, 0, 0.25, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index := newFakeIndex(tt.scores)
			selector := NewSelector(index, SelectorConfig{Limit: tt.limit, SimilarityFloor: tt.floor}, testLogger())
			alwaysOn := alwaysOnSet()

			selected, err := selector.Select(ctx, "what is the weather", catalogOf(tt.catalogSize), alwaysOn)
			if err != nil {
				t.Fatalf("Select returned error: %v", err)
			}

			if selected.Len() > tt.limit+alwaysOn.Len() {
				t.Fatalf("selected %d tools, bound is %d", selected.Len(), tt.limit+alwaysOn.Len())
			}
			if got := selected.Len() - alwaysOn.Len(); got != tt.wantCatalog {
				t.Errorf("catalog tools selected = %d, want %d (%v)", got, tt.wantCatalog, selected.Names())
			}
			for _, name := range alwaysOn.Names() {
				if selected.Get(name) == nil {
					t.Errorf("always-on tool %s missing", name)
				}
			}
		})
	}
}

func TestSelector_IndexesOncePerCatalog(t *testing.T) {
	ctx := context.Background()
	index := newFakeIndex(nil)
	selector := NewSelector(index, SelectorConfig{Limit: 3, SimilarityFloor: 0}, testLogger())
	catalog := catalogOf(5)

	for i := 0; i < 3; i++ {
		if _, err := selector.Select(ctx, "query", catalog, nil); err != nil {
			t.Fatalf("Select failed: %v", err)
		}
	}
	if index.upserts != 5 {
		t.Errorf("upserts = %d, want 5 (one per tool)", index.upserts)
	}

	catalog.Register(&mockTool{name: "tool_new"})
	if _, err := selector.Select(ctx, "query", catalog, nil); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if index.upserts != 11 {
		t.Errorf("changed catalog should be re-indexed, upserts = %d", index.upserts)
	}
}

func TestSelector_IndexFailureFallsBackToAlwaysOn(t *testing.T) {
	index := newFakeIndex(nil)
	index.queryErr = errors.New("index offline")
	selector := NewSelector(index, SelectorConfig{Limit: 10, SimilarityFloor: 0.25}, testLogger())

	selected, err := selector.Select(context.Background(), "query", catalogOf(8), alwaysOnSet())
	if err != nil {
		t.Fatalf("Select must not fail: %v", err)
	}
	if selected.Len() != 2 {
		t.Errorf("expected only always-on tools, got %v", selected.Names())
	}
}

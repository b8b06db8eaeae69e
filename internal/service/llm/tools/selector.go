package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	llmRepo "raven/internal/domain/repositories/llm"
)

// SelectorConfig bounds the tools offered to the model per run.
type SelectorConfig struct {
	Limit           int     // Maximum tools taken from the catalog
	SimilarityFloor float64 // Matches scoring below are dropped
}

// Selector picks the catalog tools most relevant to a query through the vector index.
type Selector struct {
	index  llmRepo.VectorIndex
	config SelectorConfig
	logger *slog.Logger

	mu      sync.Mutex
	indexed map[string]bool // catalog fingerprint -> descriptors upserted
}

// NewSelector creates a selector backed by the tools namespace of index.
func NewSelector(index llmRepo.VectorIndex, config SelectorConfig, logger *slog.Logger) *Selector {
	return &Selector{
		index:   index,
		config:  config,
		logger:  logger,
		indexed: make(map[string]bool),
	}
}

// Select returns at most Limit catalog tools relevant to query merged with every
// always-on tool. Index failures are logged and yield the always-on set alone.
func (s *Selector) Select(ctx context.Context, query string, catalog, alwaysOn *ToolRegistry) (*ToolRegistry, error) {
	selected := NewToolRegistry()
	if catalog.Len() > 0 && s.config.Limit > 0 && strings.TrimSpace(query) != "" {
		names, err := s.rank(ctx, query, catalog)
		if err != nil {
			s.logger.Warn("tool selection failed, using always-on tools only",
				"error", err,
				"catalog_size", catalog.Len(),
			)
		} else {
			selected = catalog.Subset(names)
		}
	}

	if alwaysOn != nil {
		selected.Merge(alwaysOn)
	}

	s.logger.Debug("tools selected",
		"query", query,
		"selected", selected.Names(),
	)
	return selected, nil
}

func (s *Selector) rank(ctx context.Context, query string, catalog *ToolRegistry) ([]string, error) {
	fingerprint, err := s.ensureIndexed(ctx, catalog)
	if err != nil {
		return nil, err
	}

	matches, err := s.index.Query(ctx, llmRepo.NamespaceTools, query, s.config.Limit, map[string]string{
		"catalog": fingerprint,
	})
	if err != nil {
		return nil, fmt.Errorf("query tool index: %w", err)
	}

	names := make([]string, 0, len(matches))
	for _, match := range matches {
		if match.Score < s.config.SimilarityFloor {
			continue
		}
		if len(names) == s.config.Limit {
			break
		}
		names = append(names, match.Metadata["name"])
	}
	return names, nil
}

// ensureIndexed upserts every descriptor of the catalog once per fingerprint.
func (s *Selector) ensureIndexed(ctx context.Context, catalog *ToolRegistry) (string, error) {
	fingerprint := catalog.Fingerprint()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexed[fingerprint] {
		return fingerprint, nil
	}

	for _, descriptor := range catalog.Descriptors() {
		id := fingerprint + "/" + descriptor.Name
		metadata := map[string]string{
			"catalog": fingerprint,
			"name":    descriptor.Name,
		}
		if err := s.index.Upsert(ctx, llmRepo.NamespaceTools, id, descriptor.EmbeddingSubject(), metadata); err != nil {
			return "", fmt.Errorf("index tool %s: %w", descriptor.Name, err)
		}
	}

	s.indexed[fingerprint] = true
	s.logger.Info("tool catalog indexed",
		"fingerprint", fingerprint,
		"tools", catalog.Len(),
	)
	return fingerprint, nil
}

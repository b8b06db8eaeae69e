package llm

import "context"

// Vector index namespaces
const (
	NamespaceTurns = "turns"
	NamespaceTools = "tools"
)

// VectorMatch is a single nearest-neighbour result
type VectorMatch struct {
	ID       string
	Metadata map[string]string
	Score    float64
}

// VectorIndex stores embedded subjects with metadata and answers similarity queries.
type VectorIndex interface {
	// Upsert embeds subject and stores it under (namespace, id), replacing any previous entry
	Upsert(ctx context.Context, namespace, id, subject string, metadata map[string]string) error

	// Query embeds subject and returns up to topK entries whose metadata contains every
	// filter pair, sorted by score descending
	Query(ctx context.Context, namespace, subject string, topK int, filter map[string]string) ([]VectorMatch, error)

	// Delete removes every entry of namespace whose metadata contains every filter pair
	Delete(ctx context.Context, namespace string, filter map[string]string) (int, error)
}

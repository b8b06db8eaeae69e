package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	llmRepo "raven/internal/domain/repositories/llm"
	llmSvc "raven/internal/domain/services/llm"
	"raven/internal/repository/postgres"
)

// PgVectorIndex implements VectorIndex on a pgvector table shared by all namespaces.
type PgVectorIndex struct {
	pool     *pgxpool.Pool
	tables   *postgres.TableNames
	logger   *slog.Logger
	embedder llmSvc.Embedder
}

// NewVectorIndex creates a new PgVectorIndex
func NewVectorIndex(config *postgres.RepositoryConfig, embedder llmSvc.Embedder) llmRepo.VectorIndex {
	return &PgVectorIndex{
		pool:     config.Pool,
		tables:   config.Tables,
		logger:   config.Logger,
		embedder: embedder,
	}
}

// Upsert embeds subject and stores it, replacing an existing entry with the same id
func (r *PgVectorIndex) Upsert(ctx context.Context, namespace, id, subject string, metadata map[string]string) error {
	vector, err := r.embedOne(ctx, subject)
	if err != nil {
		return err
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, id, subject, metadata, embedding, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::vector, NOW())
		ON CONFLICT (namespace, id) DO UPDATE SET
			subject = EXCLUDED.subject,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()
	`, r.tables.Embeddings)

	executor := postgres.GetExecutor(ctx, r.pool)
	if _, err := executor.Exec(ctx, query, namespace, id, subject, string(meta), formatVector(vector)); err != nil {
		return fmt.Errorf("upsert embedding %s/%s: %w", namespace, id, err)
	}
	return nil
}

// Query returns the nearest entries by cosine similarity
func (r *PgVectorIndex) Query(ctx context.Context, namespace, subject string, topK int, filter map[string]string) ([]llmRepo.VectorMatch, error) {
	if topK <= 0 {
		return []llmRepo.VectorMatch{}, nil
	}

	vector, err := r.embedOne(ctx, subject)
	if err != nil {
		return nil, err
	}

	if filter == nil {
		filter = map[string]string{}
	}
	containment, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, metadata, 1 - (embedding <=> $2::vector) AS similarity
		FROM %s
		WHERE namespace = $1 AND metadata @> $3::jsonb
		ORDER BY embedding <=> $2::vector ASC
		LIMIT $4
	`, r.tables.Embeddings)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, namespace, formatVector(vector), string(containment), topK)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	matches := make([]llmRepo.VectorMatch, 0, topK)
	for rows.Next() {
		var match llmRepo.VectorMatch
		var meta []byte
		if err := rows.Scan(&match.ID, &meta, &match.Score); err != nil {
			return nil, fmt.Errorf("scan embedding match: %w", err)
		}
		if err := json.Unmarshal(meta, &match.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", match.ID, err)
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embedding matches: %w", err)
	}
	return matches, nil
}

// Delete removes the entries of namespace matching filter
func (r *PgVectorIndex) Delete(ctx context.Context, namespace string, filter map[string]string) (int, error) {
	if filter == nil {
		filter = map[string]string{}
	}
	containment, err := json.Marshal(filter)
	if err != nil {
		return 0, fmt.Errorf("encode filter: %w", err)
	}

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE namespace = $1 AND metadata @> $2::jsonb
	`, r.tables.Embeddings)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, namespace, string(containment))
	if err != nil {
		return 0, fmt.Errorf("delete embeddings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgVectorIndex) embedOne(ctx context.Context, subject string) ([]float32, error) {
	vectors, err := r.embedder.Embed(ctx, []string{subject})
	if err != nil {
		return nil, fmt.Errorf("embed subject: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embed subject: got %d vectors", len(vectors))
	}
	return vectors[0], nil
}

// formatVector renders a pgvector literal: [0.1,0.2,...]
func formatVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

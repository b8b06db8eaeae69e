package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationOptions parameterises the embedded migrations.
type MigrationOptions struct {
	Prefix     string
	Dimensions int // Embedding vector size of the configured embedding model
}

// Migrate applies every embedded migration not yet recorded in the schema
// migrations table. Each file runs in its own transaction. Returns the names of
// the applied files.
func Migrate(ctx context.Context, pool *pgxpool.Pool, opts MigrationOptions, logger *slog.Logger) ([]string, error) {
	tables := NewTableNames(opts.Prefix)

	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, tables.SchemaMigrations))
	if err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	replacer := strings.NewReplacer(
		"{{prefix}}", opts.Prefix,
		"{{dimensions}}", strconv.Itoa(opts.Dimensions),
	)

	var applied []string
	for _, name := range names {
		base := strings.TrimPrefix(name, "migrations/")

		var done bool
		err := pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE name = $1)`, tables.SchemaMigrations),
			base,
		).Scan(&done)
		if err != nil {
			return applied, fmt.Errorf("check migration %s: %w", base, err)
		}
		if done {
			continue
		}

		raw, err := migrationFiles.ReadFile(name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", base, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("begin migration %s: %w", base, err)
		}
		if _, err := tx.Exec(ctx, replacer.Replace(string(raw))); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("apply migration %s: %w", base, err)
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (name) VALUES ($1)`, tables.SchemaMigrations), base,
		); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("record migration %s: %w", base, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", base, err)
		}

		logger.Info("migration applied", "name", base, "prefix", opts.Prefix)
		applied = append(applied, base)
	}

	return applied, nil
}

// DropAll drops every table owned by the prefix, including the migrations record.
func DropAll(ctx context.Context, pool *pgxpool.Pool, prefix string) error {
	tables := NewTableNames(prefix)
	_, err := pool.Exec(ctx, fmt.Sprintf(`
		DROP TABLE IF EXISTS %s CASCADE;
		DROP TABLE IF EXISTS %s CASCADE;
		DROP TABLE IF EXISTS %s CASCADE;
		DROP TABLE IF EXISTS %s CASCADE;
		DROP TABLE IF EXISTS %s CASCADE;
	`, tables.MessageParts, tables.Messages, tables.Embeddings, tables.AuthorPreferences, tables.SchemaMigrations))
	if err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return nil
}

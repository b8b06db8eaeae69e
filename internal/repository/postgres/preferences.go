package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"raven/internal/domain/models"
	"raven/internal/domain/repositories"
)

// storedPreferences is the JSONB document of one author
type storedPreferences struct {
	Timezone     string `json:"timezone,omitempty"`
	Language     string `json:"language,omitempty"`
	Personality  string `json:"personality,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// PostgresPreferencesRepository keeps author settings as one JSONB row per author.
type PostgresPreferencesRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
	logger *slog.Logger
}

func NewPreferencesRepository(config *RepositoryConfig) repositories.PreferencesRepository {
	return &PostgresPreferencesRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

func (r *PostgresPreferencesRepository) Get(ctx context.Context, authorID string) (*models.AuthorPreferences, error) {
	query := fmt.Sprintf(`
		SELECT author_id, preferences, created_at, updated_at
		FROM %s
		WHERE author_id = $1
	`, r.tables.AuthorPreferences)

	var (
		prefs models.AuthorPreferences
		raw   []byte
	)
	executor := GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, authorID).Scan(
		&prefs.AuthorID,
		&raw,
		&prefs.CreatedAt,
		&prefs.UpdatedAt,
	)
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get preferences: %w", err)
	}

	var doc storedPreferences
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode preferences of %s: %w", authorID, err)
	}
	prefs.Timezone = orDefault(doc.Timezone, models.DefaultTimezone)
	prefs.Language = orDefault(doc.Language, models.DefaultLanguage)
	prefs.Personality = doc.Personality
	prefs.Instructions = doc.Instructions
	return &prefs, nil
}

func (r *PostgresPreferencesRepository) Upsert(ctx context.Context, prefs *models.AuthorPreferences) error {
	raw, err := json.Marshal(storedPreferences{
		Timezone:     prefs.Timezone,
		Language:     prefs.Language,
		Personality:  prefs.Personality,
		Instructions: prefs.Instructions,
	})
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (author_id, preferences, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (author_id)
		DO UPDATE SET
			preferences = EXCLUDED.preferences,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`, r.tables.AuthorPreferences)

	executor := GetExecutor(ctx, r.pool)
	if err := executor.QueryRow(ctx, query, prefs.AuthorID, raw).Scan(&prefs.CreatedAt, &prefs.UpdatedAt); err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	r.logger.Debug("preferences saved", "author_id", prefs.AuthorID)
	return nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

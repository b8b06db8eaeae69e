package repositories

import (
	"context"

	"raven/internal/domain/models"
)

// PreferencesRepository stores per-author settings.
type PreferencesRepository interface {
	// Get returns the stored settings, or nil with no error when the author
	// has none
	Get(ctx context.Context, authorID string) (*models.AuthorPreferences, error)

	// Upsert creates or replaces the author's settings and fills in the timestamps
	Upsert(ctx context.Context, prefs *models.AuthorPreferences) error
}

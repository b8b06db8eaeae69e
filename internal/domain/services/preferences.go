package services

import (
	"context"

	"raven/internal/domain/models"
)

// PreferencesService reads and changes per-author settings.
type PreferencesService interface {
	// GetPreferences returns the author's settings, defaults when nothing is stored
	GetPreferences(ctx context.Context, authorID string) (*models.AuthorPreferences, error)

	// UpdatePreferences applies a partial update and validates the result
	UpdatePreferences(ctx context.Context, authorID string, req *models.UpdatePreferencesRequest) (*models.AuthorPreferences, error)

	// SetPreference changes one setting by key
	SetPreference(ctx context.Context, authorID, key, value string) (*models.AuthorPreferences, error)
}

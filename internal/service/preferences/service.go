package preferences

import (
	"context"
	"log/slog"

	"raven/internal/domain/models"
	"raven/internal/domain/repositories"
	"raven/internal/domain/services"
)

// Service implements services.PreferencesService on a repository.
type Service struct {
	repo   repositories.PreferencesRepository
	logger *slog.Logger
}

func NewService(repo repositories.PreferencesRepository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

var _ services.PreferencesService = (*Service)(nil)

func (s *Service) GetPreferences(ctx context.Context, authorID string) (*models.AuthorPreferences, error) {
	prefs, err := s.repo.Get(ctx, authorID)
	if err != nil {
		return nil, err
	}
	if prefs == nil {
		return models.DefaultPreferences(authorID), nil
	}
	return prefs, nil
}

func (s *Service) UpdatePreferences(ctx context.Context, authorID string, req *models.UpdatePreferencesRequest) (*models.AuthorPreferences, error) {
	return s.update(ctx, authorID, func(prefs *models.AuthorPreferences) error {
		req.Apply(prefs)
		return nil
	})
}

func (s *Service) SetPreference(ctx context.Context, authorID, key, value string) (*models.AuthorPreferences, error) {
	return s.update(ctx, authorID, func(prefs *models.AuthorPreferences) error {
		return prefs.Set(key, value)
	})
}

func (s *Service) update(ctx context.Context, authorID string, change func(*models.AuthorPreferences) error) (*models.AuthorPreferences, error) {
	prefs, err := s.GetPreferences(ctx, authorID)
	if err != nil {
		return nil, err
	}
	if err := change(prefs); err != nil {
		return nil, err
	}
	if err := prefs.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Upsert(ctx, prefs); err != nil {
		return nil, err
	}

	s.logger.Info("preferences updated",
		"author_id", authorID,
		"timezone", prefs.Timezone,
		"language", prefs.Language,
	)
	return prefs, nil
}

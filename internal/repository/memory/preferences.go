package memory

import (
	"context"
	"sync"
	"time"

	"raven/internal/domain/models"
	"raven/internal/domain/repositories"
)

// PreferencesRepository keeps author settings in a map.
type PreferencesRepository struct {
	mu    sync.RWMutex
	prefs map[string]models.AuthorPreferences
	now   func() time.Time
}

func NewPreferencesRepository() *PreferencesRepository {
	return &PreferencesRepository{
		prefs: make(map[string]models.AuthorPreferences),
		now:   time.Now,
	}
}

var _ repositories.PreferencesRepository = (*PreferencesRepository)(nil)

func (r *PreferencesRepository) Get(ctx context.Context, authorID string) (*models.AuthorPreferences, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.prefs[authorID]
	if !ok {
		return nil, nil
	}
	return &stored, nil
}

func (r *PreferencesRepository) Upsert(ctx context.Context, prefs *models.AuthorPreferences) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	prefs.UpdatedAt = now
	if existing, ok := r.prefs[prefs.AuthorID]; ok {
		prefs.CreatedAt = existing.CreatedAt
	} else {
		prefs.CreatedAt = now
	}
	r.prefs[prefs.AuthorID] = *prefs
	return nil
}

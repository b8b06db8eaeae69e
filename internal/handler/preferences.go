package handler

import (
	"log/slog"
	"net/http"

	"raven/internal/domain/models"
	"raven/internal/domain/services"
	"raven/internal/httputil"
)

// PreferencesHandler serves the settings of the authenticated author.
type PreferencesHandler struct {
	prefs  services.PreferencesService
	logger *slog.Logger
}

func NewPreferencesHandler(prefs services.PreferencesService, logger *slog.Logger) *PreferencesHandler {
	return &PreferencesHandler{prefs: prefs, logger: logger}
}

// Register adds the handler's routes to mux.
func (h *PreferencesHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/preferences", h.GetPreferences)
	mux.HandleFunc("PATCH /api/preferences", h.UpdatePreferences)
}

// GetPreferences returns the author's settings, defaults included
// GET /api/preferences
func (h *PreferencesHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.prefs.GetPreferences(r.Context(), httputil.AuthorID(r))
	if err != nil {
		handleError(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences applies a partial update
// PATCH /api/preferences
func (h *PreferencesHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req models.UpdatePreferencesRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	prefs, err := h.prefs.UpdatePreferences(r.Context(), httputil.AuthorID(r), &req)
	if err != nil {
		handleError(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, prefs)
}

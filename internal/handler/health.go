package handler

import (
	"net/http"

	"raven/internal/httputil"
)

// ActiveRuns reports the number of live runs.
type ActiveRuns interface {
	Active() int
}

// Health answers liveness checks
// GET /health
func Health(runs ActiveRuns) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := 0
		if runs != nil {
			active = runs.Active()
		}
		httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"active_runs": active,
		})
	}
}

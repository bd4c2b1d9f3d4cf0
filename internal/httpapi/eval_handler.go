package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// handleEvaluate processes GET /api/v1/flags/{key}/evaluate?userId=&environment=.
//
// Evaluation never fails: an unknown flag or a degraded backend resolves to
// enabled=false, so the endpoint always answers 200.
func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	userID := r.URL.Query().Get("userId")
	env := environmentParam(r)

	enabled := a.engine.Evaluate(r.Context(), key, userID, env)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, EvaluateResponse{
		FlagKey:     key,
		UserID:      userID,
		Environment: env,
		Enabled:     enabled,
	})
}

// handleEvaluateAll processes GET /api/v1/evaluate?userId=&environment=.
// The result is identical to evaluating each flag key individually.
func (a *API) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	env := environmentParam(r)

	flags := a.engine.EvaluateAll(r.Context(), userID, env)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, EvaluateAllResponse{
		UserID:      userID,
		Environment: env,
		Flags:       flags,
	})
}

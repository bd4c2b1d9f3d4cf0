package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/michael-menard/rollout/internal/logger"
	"github.com/michael-menard/rollout/internal/override"
	"github.com/michael-menard/rollout/internal/store"
)

// handleAddOverride processes POST /api/v1/flags/{key}/overrides.
// Adding an override for a (flag, user) pair that already has one updates it
// in place, so the endpoint is idempotent from the operator's point of view.
func (a *API) handleAddOverride(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := chi.URLParam(r, "key")
	env := environmentParam(r)

	var req AddOverrideRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	result, err := a.overrides.AddUserOverride(r.Context(), key, env, store.OverrideInput{
		UserID:       req.UserID,
		OverrideType: store.OverrideType(req.OverrideType),
		Reason:       req.Reason,
		CreatedBy:    req.CreatedBy,
	})
	if err != nil {
		a.renderOverrideError(w, r, log, err, "Failed to add override")
		return
	}

	log.Info("override added",
		slog.String("flag_key", key),
		slog.String("user_id", req.UserID),
		slog.String("override_type", req.OverrideType),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
}

// handleRemoveOverride processes DELETE /api/v1/flags/{key}/overrides/{userID}.
func (a *API) handleRemoveOverride(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := chi.URLParam(r, "key")
	userID := chi.URLParam(r, "userID")
	env := environmentParam(r)

	if err := a.overrides.RemoveUserOverride(r.Context(), key, env, userID); err != nil {
		a.renderOverrideError(w, r, log, err, "Failed to remove override")
		return
	}

	log.Info("override removed",
		slog.String("flag_key", key),
		slog.String("user_id", userID),
	)
	render.NoContent(w, r)
}

// handleListOverrides processes GET /api/v1/flags/{key}/overrides?page=&pageSize=.
func (a *API) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := chi.URLParam(r, "key")
	env := environmentParam(r)

	page, err := parseOptionalInt(r, "page", 1)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}

	pageSize, err := parseOptionalInt(r, "pageSize", override.DefaultPageSize)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}

	listing, err := a.overrides.ListUserOverrides(r.Context(), key, env, page, pageSize)
	if err != nil {
		a.renderOverrideError(w, r, log, err, "Failed to list overrides")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, listing)
}

// renderOverrideError maps override manager errors to HTTP responses.
func (a *API) renderOverrideError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, internalMsg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_NOT_FOUND",
			Message: "Flag or override not found",
		})
	case errors.Is(err, override.ErrRateLimited):
		render.Status(r, http.StatusTooManyRequests)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_RATE_LIMITED",
			Message: "Override mutation rate limit exceeded for this flag",
		})
	default:
		log.Error(internalMsg, slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INTERNAL",
			Message: internalMsg,
		})
	}
}

// parseOptionalInt extracts an integer from the query string.
// A missing parameter yields the default; a malformed one is an error.
func parseOptionalInt(r *http.Request, key string, defaultValue int) (int, error) {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return val, nil
}

package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/michael-menard/rollout/internal/logger"
	"github.com/michael-menard/rollout/internal/store"
)

// handleCreateFlag processes POST /api/v1/flags.
func (a *API) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateFlagRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("invalid json payload", slog.String("error", err.Error()))
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

	flag := &store.Flag{
		FlagKey:           req.FlagKey,
		Environment:       req.Environment,
		Enabled:           req.Enabled,
		RolloutPercentage: req.RolloutPercentage,
		Description:       req.Description,
	}

	if err := a.flags.Create(r.Context(), flag); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_CONFLICT",
				Message: "A flag with this key already exists in the environment",
			})
			return
		}
		log.Error("failed to create flag", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INTERNAL",
			Message: "Failed to create flag",
		})
		return
	}

	// A new flag must be visible to evaluation immediately.
	a.cache.Invalidate(r.Context(), flag.Environment)

	log.Info("flag created",
		slog.String("flag_key", flag.FlagKey),
		slog.String("environment", flag.Environment),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, flag)
}

// handleListFlags processes GET /api/v1/flags?environment=.
func (a *API) handleListFlags(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	env := environmentParam(r)

	flags, err := a.flags.FindAllByEnvironment(r.Context(), env)
	if err != nil {
		log.Error("failed to list flags", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INTERNAL",
			Message: "Failed to list flags",
		})
		return
	}

	if flags == nil {
		flags = []*store.Flag{}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, FlagListResponse{Flags: flags})
}

// handleGetFlag processes GET /api/v1/flags/{key}?environment=.
func (a *API) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := chi.URLParam(r, "key")
	env := environmentParam(r)

	flag, err := a.flags.FindByKey(r.Context(), key, env)
	if err != nil {
		a.renderStoreError(w, r, log, err, "Failed to fetch flag")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, flag)
}

// handleUpdateFlag processes PATCH /api/v1/flags/{key}?environment=.
// The update goes through the engine so the environment's cached flag set is
// invalidated before the response is written.
func (a *API) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := chi.URLParam(r, "key")
	env := environmentParam(r)

	var req UpdateFlagRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	flag, err := a.engine.UpdateFlag(r.Context(), key, env, req.Patch())
	if err != nil {
		a.renderStoreError(w, r, log, err, "Failed to update flag")
		return
	}

	log.Info("flag updated",
		slog.String("flag_key", key),
		slog.String("environment", env),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, flag)
}

// handleDeleteFlag processes DELETE /api/v1/flags/{key}?environment=.
// Overrides cascade at the schema level; the handler drops the cached flag
// set and the flag's override cache entries.
func (a *API) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := chi.URLParam(r, "key")
	env := environmentParam(r)

	flag, err := a.flags.FindByKey(r.Context(), key, env)
	if err != nil {
		a.renderStoreError(w, r, log, err, "Failed to delete flag")
		return
	}

	if err := a.flags.Delete(r.Context(), key, env); err != nil {
		a.renderStoreError(w, r, log, err, "Failed to delete flag")
		return
	}

	a.cache.Invalidate(r.Context(), env)
	a.cache.InvalidateUserOverridesForFlag(r.Context(), flag.ID)

	log.Info("flag deleted",
		slog.String("flag_key", key),
		slog.String("environment", env),
	)
	render.NoContent(w, r)
}

// renderStoreError maps repository errors to HTTP responses.
func (a *API) renderStoreError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, internalMsg string) {
	if errors.Is(err, store.ErrNotFound) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_NOT_FOUND",
			Message: "Flag not found",
		})
		return
	}

	log.Error(internalMsg, slog.String("error", err.Error()))
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, ErrorResponse{
		Code:    "ERR_INTERNAL",
		Message: internalMsg,
	})
}

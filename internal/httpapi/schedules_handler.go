package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/michael-menard/rollout/internal/logger"
	"github.com/michael-menard/rollout/internal/schedule"
	"github.com/michael-menard/rollout/internal/store"
)

// handleCreateSchedule processes POST /api/v1/flags/{key}/schedules.
func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := chi.URLParam(r, "key")
	env := environmentParam(r)

	var req CreateScheduleRequest
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

	sched, err := a.schedules.Create(r.Context(), key, env, req.Input())
	if err != nil {
		a.renderScheduleError(w, r, log, err, "Failed to create schedule")
		return
	}

	log.Info("schedule created",
		slog.String("schedule_id", sched.ID.String()),
		slog.String("flag_key", key),
		slog.Time("scheduled_at", sched.ScheduledAt),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, sched)
}

// handleListSchedules processes GET /api/v1/flags/{key}/schedules.
func (a *API) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := chi.URLParam(r, "key")
	env := environmentParam(r)

	schedules, err := a.schedules.ListByFlag(r.Context(), key, env)
	if err != nil {
		a.renderScheduleError(w, r, log, err, "Failed to list schedules")
		return
	}

	if schedules == nil {
		schedules = []*schedule.Schedule{}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ScheduleListResponse{Schedules: schedules})
}

// handleGetSchedule processes GET /api/v1/schedules/{id}.
func (a *API) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id, ok := a.scheduleID(w, r)
	if !ok {
		return
	}

	sched, err := a.schedules.Get(r.Context(), id)
	if err != nil {
		a.renderScheduleError(w, r, log, err, "Failed to fetch schedule")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, sched)
}

// handleCancelSchedule processes DELETE /api/v1/schedules/{id}.
// Only pending schedules can be cancelled; anything further along answers 409.
func (a *API) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id, ok := a.scheduleID(w, r)
	if !ok {
		return
	}

	// Body is optional: cancellation without an operator identity is valid.
	var req CancelScheduleRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_INVALID_JSON",
				Message: "Invalid JSON payload: " + err.Error(),
			})
			return
		}
	}

	sched, err := a.schedules.Cancel(r.Context(), id, req.CancelledBy)
	if err != nil {
		a.renderScheduleError(w, r, log, err, "Failed to cancel schedule")
		return
	}

	log.Info("schedule cancelled", slog.String("schedule_id", id.String()))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, sched)
}

// scheduleID parses the {id} URL parameter, answering 400 on malformed input.
func (a *API) scheduleID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Schedule id must be a UUID",
		})
		return uuid.Nil, false
	}
	return id, true
}

// renderScheduleError maps schedule service errors to HTTP responses.
func (a *API) renderScheduleError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, internalMsg string) {
	switch {
	case errors.Is(err, schedule.ErrNotFound), errors.Is(err, store.ErrNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_NOT_FOUND",
			Message: "Schedule or flag not found",
		})
	case errors.Is(err, schedule.ErrInvalidFlag):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_FLAG",
			Message: err.Error(),
		})
	case errors.Is(err, schedule.ErrAlreadyApplied):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_ALREADY_APPLIED",
			Message: "Schedule is no longer pending and cannot be cancelled",
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

package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/michael-menard/rollout/internal/cache"
	"github.com/michael-menard/rollout/internal/engine"
	"github.com/michael-menard/rollout/internal/override"
	"github.com/michael-menard/rollout/internal/schedule"
	"github.com/michael-menard/rollout/internal/store"
)

// API holds the router and the services it fronts.
// Dependencies are injected to keep handlers testable against fakes.
type API struct {
	// Router is the chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	flags     store.FlagRepository
	engine    *engine.Engine
	overrides *override.Manager
	schedules *schedule.Service
	cache     cache.FlagCache
	logger    *slog.Logger
}

// NewAPI creates the API and registers its routes.
func NewAPI(
	flags store.FlagRepository,
	eng *engine.Engine,
	overrides *override.Manager,
	schedules *schedule.Service,
	flagCache cache.FlagCache,
	logger *slog.Logger,
) *API {
	if flags == nil {
		panic("httpapi: flag repository cannot be nil")
	}
	if eng == nil {
		panic("httpapi: engine cannot be nil")
	}
	if overrides == nil {
		panic("httpapi: override manager cannot be nil")
	}
	if schedules == nil {
		panic("httpapi: schedule service cannot be nil")
	}
	if flagCache == nil {
		panic("httpapi: flag cache cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	api := &API{
		Router:    chi.NewRouter(),
		flags:     flags,
		engine:    eng,
		overrides: overrides,
		schedules: schedules,
		cache:     flagCache,
		logger:    logger,
	}

	api.configureRoutes()
	return api
}

func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(RequestLogger(a.logger))
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Route("/flags", func(r chi.Router) {
			r.Post("/", a.handleCreateFlag)
			r.Get("/", a.handleListFlags)

			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", a.handleGetFlag)
				r.Patch("/", a.handleUpdateFlag)
				r.Delete("/", a.handleDeleteFlag)

				r.Get("/evaluate", a.handleEvaluate)

				r.Route("/overrides", func(r chi.Router) {
					r.Post("/", a.handleAddOverride)
					r.Get("/", a.handleListOverrides)
					r.Delete("/{userID}", a.handleRemoveOverride)
				})

				r.Route("/schedules", func(r chi.Router) {
					r.Post("/", a.handleCreateSchedule)
					r.Get("/", a.handleListSchedules)
				})
			})
		})

		r.Get("/evaluate", a.handleEvaluateAll)

		r.Route("/schedules/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetSchedule)
			r.Delete("/", a.handleCancelSchedule)
		})
	})
}

// handleHealthCheck reports HTTP serving capability. Deep checks (database,
// cache) live on the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// environmentParam reads the ?environment= query parameter, defaulting when absent.
func environmentParam(r *http.Request) string {
	env := r.URL.Query().Get("environment")
	if env == "" {
		return engine.DefaultEnvironment
	}
	return env
}

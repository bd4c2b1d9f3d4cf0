// Command rollout-api serves the flag evaluation and administration API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/michael-menard/rollout/internal/audit"
	"github.com/michael-menard/rollout/internal/cache"
	"github.com/michael-menard/rollout/internal/config"
	"github.com/michael-menard/rollout/internal/database"
	"github.com/michael-menard/rollout/internal/engine"
	"github.com/michael-menard/rollout/internal/httpapi"
	"github.com/michael-menard/rollout/internal/logger"
	"github.com/michael-menard/rollout/internal/observability"
	"github.com/michael-menard/rollout/internal/override"
	"github.com/michael-menard/rollout/internal/schedule"
	"github.com/michael-menard/rollout/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("rollout-api failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	flags := store.NewPostgresFlagStore(pool)
	overrides := store.NewPostgresOverrideStore(pool)
	recorder := audit.NewPostgresRecorder(pool, log)

	// The cache backend and the rate-limit counter follow the Redis config:
	// configured means shared across the fleet, absent means in-process.
	var (
		flagCache cache.FlagCache
		limiter   override.Limiter
		checkers  = []observability.Checker{observability.NewPostgresChecker(pool)}
	)
	if cfg.Redis.IsConfigured() {
		client, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()

		flagCache = cache.NewRedis(client, log, cfg.Cache.ScanPageSize)
		limiter = override.NewRedisLimiter(client, log, override.RateLimitMaxChanges, override.RateLimitWindow)
		checkers = append(checkers, observability.NewRedisChecker(client))
	} else {
		memory, err := cache.NewMemory(cfg.Cache.MemoryCapacity)
		if err != nil {
			return fmt.Errorf("failed to initialize memory cache: %w", err)
		}
		defer memory.Close()

		flagCache = memory
		limiter = override.NewMemoryLimiter(override.RateLimitMaxChanges, override.RateLimitWindow)
	}

	eng := engine.New(flags, overrides, flagCache, log, cfg.Cache.TTL)
	overrideMgr := override.NewManager(flags, overrides, flagCache, limiter, recorder, log, cfg.Cache.TTL)
	scheduleSvc := schedule.NewService(flags, schedule.NewPostgresStore(pool), recorder, log, cfg.Scheduler.DefaultMaxRetries)

	api := httpapi.NewAPI(flags, eng, overrideMgr, scheduleSvc, flagCache, log)

	obsServer := observability.NewServer(log, &cfg.Observability, checkers...)
	obsServer.Start()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting api server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("api server shutdown failed", slog.String("error", err.Error()))
	}
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("observability server shutdown failed", slog.String("error", err.Error()))
	}

	return nil
}

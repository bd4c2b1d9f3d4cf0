// Command rollout-scheduler runs the periodic schedule processor that applies
// due flag mutations. Multiple instances may run concurrently; row-level
// claiming partitions the work between them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/michael-menard/rollout/internal/audit"
	"github.com/michael-menard/rollout/internal/cache"
	"github.com/michael-menard/rollout/internal/config"
	"github.com/michael-menard/rollout/internal/database"
	"github.com/michael-menard/rollout/internal/logger"
	"github.com/michael-menard/rollout/internal/observability"
	"github.com/michael-menard/rollout/internal/schedule"
	"github.com/michael-menard/rollout/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("rollout-scheduler failed", slog.String("error", err.Error()))
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

	if !cfg.Scheduler.Enabled {
		log.Warn("scheduler is disabled by configuration, exiting")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	flags := store.NewPostgresFlagStore(pool)
	recorder := audit.NewPostgresRecorder(pool, log)

	// Applied mutations must drop the shared cached flag set; only the Redis
	// backend is visible to the API fleet. Without Redis the invalidation is
	// process-local and API instances rely on TTL expiry instead.
	var (
		flagCache cache.FlagCache
		checkers  = []observability.Checker{observability.NewPostgresChecker(pool)}
	)
	if cfg.Redis.IsConfigured() {
		client, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()

		flagCache = cache.NewRedis(client, log, cfg.Cache.ScanPageSize)
		checkers = append(checkers, observability.NewRedisChecker(client))
	} else {
		memory, err := cache.NewMemory(cfg.Cache.MemoryCapacity)
		if err != nil {
			return fmt.Errorf("failed to initialize memory cache: %w", err)
		}
		defer memory.Close()

		flagCache = memory
	}

	obsServer := observability.NewServer(log, &cfg.Observability, checkers...)
	obsServer.Start()

	processor := schedule.NewProcessor(
		flags,
		schedule.NewPostgresStore(pool),
		flagCache,
		recorder,
		log,
		cfg.Scheduler.Interval,
		cfg.Scheduler.ClaimLimit,
	)

	processor.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("observability server shutdown failed", slog.String("error", err.Error()))
	}

	return nil
}

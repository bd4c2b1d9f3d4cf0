// Package engine implements feature flag evaluation.
//
// Evaluation is fail-closed and never returns an error to the caller: an
// unknown flag, a degraded cache, or a store outage all resolve to false so
// that a flag-system failure degrades features instead of crashing call
// sites. Management operations (UpdateFlag) do surface typed errors.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/michael-menard/rollout/internal/bucket"
	"github.com/michael-menard/rollout/internal/cache"
	"github.com/michael-menard/rollout/internal/observability"
	"github.com/michael-menard/rollout/internal/store"
)

// DefaultEnvironment is assumed when the caller does not name one.
const DefaultEnvironment = "production"

// Engine combines the flag store, the cache and the bucketer to answer
// boolean evaluation queries.
type Engine struct {
	flags     store.FlagRepository
	overrides store.OverrideRepository
	cache     cache.FlagCache
	logger    *slog.Logger
	cacheTTL  time.Duration
}

// New creates an evaluation engine.
// If logger is nil, it defaults to slog.Default().
func New(flags store.FlagRepository, overrides store.OverrideRepository, flagCache cache.FlagCache, logger *slog.Logger, cacheTTL time.Duration) *Engine {
	if flags == nil {
		panic("engine: flag repository cannot be nil")
	}
	if overrides == nil {
		panic("engine: override repository cannot be nil")
	}
	if flagCache == nil {
		panic("engine: flag cache cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = cache.DefaultTTL
	}

	return &Engine{
		flags:     flags,
		overrides: overrides,
		cache:     flagCache,
		logger:    logger,
		cacheTTL:  cacheTTL,
	}
}

// Evaluate answers "is flagKey on for userID in environment".
//
// Decision ladder:
//  1. flag absent            -> false (unknown flags never activate)
//  2. enabled = false        -> false
//  3. exclude override       -> false (exclusion dominates inclusion)
//  4. include override       -> true
//  5. rollout >= 100         -> true
//  6. rollout <= 0           -> false
//  7. no userID              -> true (anonymous probes short-circuit gating)
//  8. bucket(user) < rollout
func (e *Engine) Evaluate(ctx context.Context, flagKey, userID, environment string) bool {
	if environment == "" {
		environment = DefaultEnvironment
	}

	flags := e.loadFlags(ctx, environment)
	flag := flags.Flags[flagKey]

	result := e.evaluateFlag(ctx, flag, userID, true)
	observability.EvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
	return result
}

// EvaluateAll evaluates every flag in the environment for the user, with a
// single flag set fetch and one batched override lookup. Results are
// identical to calling Evaluate once per key.
func (e *Engine) EvaluateAll(ctx context.Context, userID, environment string) map[string]bool {
	if environment == "" {
		environment = DefaultEnvironment
	}

	flags := e.loadFlags(ctx, environment)
	result := make(map[string]bool, len(flags.Flags))

	overrides := e.loadOverridesForUser(ctx, userID, flags)

	for key, flag := range flags.Flags {
		if override, ok := overrides[flag.ID]; ok && flag.Enabled {
			switch override.OverrideType {
			case store.OverrideExclude:
				result[key] = false
				continue
			case store.OverrideInclude:
				result[key] = true
				continue
			}
		}
		// Overrides already resolved; skip the per-flag lookup.
		result[key] = e.evaluateFlag(ctx, flag, userID, false)
	}

	return result
}

// UpdateFlag writes the patch through the store, then unconditionally
// invalidates the environment's cached set. Read-after-write consistency
// takes priority over cache hit rate: the invalidation happens before the
// success return, so a caller who sees success can rely on fresh reads.
func (e *Engine) UpdateFlag(ctx context.Context, flagKey, environment string, patch store.FlagPatch) (*store.Flag, error) {
	if environment == "" {
		environment = DefaultEnvironment
	}

	flag, err := e.flags.Update(ctx, flagKey, environment, patch)
	if err != nil {
		return nil, err
	}

	e.cache.Invalidate(ctx, environment)

	return flag, nil
}

// InvalidateCache drops the cached flag set for the environment.
func (e *Engine) InvalidateCache(ctx context.Context, environment string) {
	if environment == "" {
		environment = DefaultEnvironment
	}
	e.cache.Invalidate(ctx, environment)
}

// InvalidateAllCaches drops every cached flag set and override entry.
func (e *Engine) InvalidateAllCaches(ctx context.Context) {
	e.cache.InvalidateAll(ctx)
}

// evaluateFlag runs the ladder for one already-fetched flag.
// checkOverrides is false when the caller resolved overrides in a batch.
func (e *Engine) evaluateFlag(ctx context.Context, flag *store.Flag, userID string, checkOverrides bool) bool {
	if flag == nil {
		return false
	}

	if !flag.Enabled {
		return false
	}

	if checkOverrides && userID != "" {
		if override := e.userOverride(ctx, flag.ID, userID); override != nil {
			// Exclusion is checked first and independently: a user present
			// in both sets (data anomaly) must stay excluded.
			if override.OverrideType == store.OverrideExclude {
				return false
			}
			if override.OverrideType == store.OverrideInclude {
				return true
			}
		}
	}

	if flag.RolloutPercentage >= 100 {
		return true
	}
	if flag.RolloutPercentage <= 0 {
		return false
	}

	if userID == "" {
		return true
	}

	return bucket.UserID(userID) < flag.RolloutPercentage
}

// loadFlags returns the environment's flag set, via cache or store.
// A store failure yields an empty set: every lookup then resolves to false.
func (e *Engine) loadFlags(ctx context.Context, environment string) *cache.CachedFlagSet {
	if set := e.cache.Get(ctx, environment); set != nil {
		return set
	}

	flags, err := e.flags.FindAllByEnvironment(ctx, environment)
	if err != nil {
		e.logger.Error("failed to load flags, evaluating fail-closed",
			slog.String("environment", environment),
			slog.String("error", err.Error()),
		)
		return &cache.CachedFlagSet{Flags: map[string]*store.Flag{}}
	}

	e.cache.Set(ctx, environment, flags, e.cacheTTL)

	return cache.NewFlagSet(flags, e.cacheTTL, time.Now())
}

// userOverride resolves a single (flag, user) override via cache or store.
// Only positive results are cached, so "no override" is re-checked each time
// rather than being pinned by a stale negative entry.
func (e *Engine) userOverride(ctx context.Context, flagID uuid.UUID, userID string) *store.UserOverride {
	if cached, ok := e.cache.GetUserOverride(ctx, flagID, userID); ok {
		return cached
	}

	override, err := e.overrides.FindByFlagAndUser(ctx, flagID, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("override lookup failed, ignoring overrides",
				slog.String("flag_id", flagID.String()),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	e.cache.SetUserOverride(ctx, flagID, userID, override, e.cacheTTL)

	return override
}

// loadOverridesForUser batch-fetches the user's overrides for every flag in
// the set. Errors degrade to "no overrides", mirroring the per-key path.
func (e *Engine) loadOverridesForUser(ctx context.Context, userID string, flags *cache.CachedFlagSet) map[uuid.UUID]*store.UserOverride {
	if userID == "" || len(flags.Flags) == 0 {
		return nil
	}

	flagIDs := make([]uuid.UUID, 0, len(flags.Flags))
	for _, f := range flags.Flags {
		flagIDs = append(flagIDs, f.ID)
	}

	overrides, err := e.overrides.FindByUserAndFlagIDs(ctx, userID, flagIDs)
	if err != nil {
		e.logger.Warn("batch override lookup failed, ignoring overrides",
			slog.String("error", err.Error()),
		)
		return nil
	}

	return overrides
}

// Package override manages per-user include/exclude entries for flags.
//
// Writes invalidate the relevant cache entries and are rate-limited per flag
// through an injected Limiter. Errors are surfaced as sentinel values so
// callers branch explicitly on success/failure.
package override

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/michael-menard/rollout/internal/audit"
	"github.com/michael-menard/rollout/internal/cache"
	"github.com/michael-menard/rollout/internal/observability"
	"github.com/michael-menard/rollout/internal/store"
)

// ErrRateLimited indicates the per-flag mutation ceiling was hit.
var ErrRateLimited = errors.New("override: rate limited")

// Default pagination for listing.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Page describes one page of a listing.
type Page struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

// Listing is the partitioned result of ListUserOverrides.
type Listing struct {
	Includes   []*store.UserOverride `json:"includes"`
	Excludes   []*store.UserOverride `json:"excludes"`
	Pagination Page                  `json:"pagination"`
}

// Manager orchestrates override mutations: flag resolution, rate limiting,
// upsert/delete, cache invalidation and audit.
type Manager struct {
	flags     store.FlagRepository
	overrides store.OverrideRepository
	cache     cache.FlagCache
	limiter   Limiter
	audit     audit.Recorder
	logger    *slog.Logger
	cacheTTL  time.Duration
}

// NewManager creates an override manager.
func NewManager(
	flags store.FlagRepository,
	overrides store.OverrideRepository,
	flagCache cache.FlagCache,
	limiter Limiter,
	recorder audit.Recorder,
	logger *slog.Logger,
	cacheTTL time.Duration,
) *Manager {
	if flags == nil {
		panic("override: flag repository cannot be nil")
	}
	if overrides == nil {
		panic("override: override repository cannot be nil")
	}
	if flagCache == nil {
		panic("override: flag cache cannot be nil")
	}
	if limiter == nil {
		panic("override: limiter cannot be nil")
	}
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = cache.DefaultTTL
	}

	return &Manager{
		flags:     flags,
		overrides: overrides,
		cache:     flagCache,
		limiter:   limiter,
		audit:     recorder,
		logger:    logger,
		cacheTTL:  cacheTTL,
	}
}

// AddUserOverride upserts an include/exclude entry for (flag, user).
// A repeat call for the same pair updates type/reason rather than erroring.
// Returns store.ErrNotFound when the flag is unknown, ErrRateLimited when
// the per-flag mutation ceiling is hit.
func (m *Manager) AddUserOverride(ctx context.Context, flagKey, environment string, in store.OverrideInput) (*store.UserOverride, error) {
	flag, err := m.flags.FindByKey(ctx, flagKey, environment)
	if err != nil {
		observability.OverrideMutationsTotal.WithLabelValues("add", outcomeFor(err)).Inc()
		return nil, err
	}

	if !m.limiter.Allow(ctx, flag.ID) {
		observability.OverrideMutationsTotal.WithLabelValues("add", "rate_limited").Inc()
		return nil, ErrRateLimited
	}

	override, err := m.overrides.Upsert(ctx, flag.ID, in)
	if err != nil {
		observability.OverrideMutationsTotal.WithLabelValues("add", "error").Inc()
		return nil, err
	}

	// Invalidate only the single (flag, user) entry; the flag set itself is
	// unchanged by an override write.
	m.cache.InvalidateUserOverride(ctx, flag.ID, in.UserID)

	m.audit.Record(ctx, audit.EventOverrideAdded, map[string]any{
		"flagKey":      flagKey,
		"environment":  environment,
		"userId":       in.UserID,
		"overrideType": string(in.OverrideType),
		"createdBy":    deref(in.CreatedBy),
	})

	observability.OverrideMutationsTotal.WithLabelValues("add", "ok").Inc()
	return override, nil
}

// RemoveUserOverride deletes the (flag, user) entry and invalidates its
// cache entry. Returns store.ErrNotFound when the flag or the override is
// unknown, ErrRateLimited when the mutation ceiling is hit.
func (m *Manager) RemoveUserOverride(ctx context.Context, flagKey, environment, userID string) error {
	flag, err := m.flags.FindByKey(ctx, flagKey, environment)
	if err != nil {
		observability.OverrideMutationsTotal.WithLabelValues("remove", outcomeFor(err)).Inc()
		return err
	}

	if !m.limiter.Allow(ctx, flag.ID) {
		observability.OverrideMutationsTotal.WithLabelValues("remove", "rate_limited").Inc()
		return ErrRateLimited
	}

	if err := m.overrides.Delete(ctx, flag.ID, userID); err != nil {
		observability.OverrideMutationsTotal.WithLabelValues("remove", outcomeFor(err)).Inc()
		return err
	}

	m.cache.InvalidateUserOverride(ctx, flag.ID, userID)

	m.audit.Record(ctx, audit.EventOverrideRemoved, map[string]any{
		"flagKey":     flagKey,
		"environment": environment,
		"userId":      userID,
	})

	observability.OverrideMutationsTotal.WithLabelValues("remove", "ok").Inc()
	return nil
}

// ListUserOverrides returns one page of the flag's overrides, newest first,
// partitioned into includes and excludes for caller convenience.
func (m *Manager) ListUserOverrides(ctx context.Context, flagKey, environment string, page, pageSize int) (*Listing, error) {
	flag, err := m.flags.FindByKey(ctx, flagKey, environment)
	if err != nil {
		return nil, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	overrides, total, err := m.overrides.FindAllByFlag(ctx, flag.ID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}

	listing := &Listing{
		Includes:   []*store.UserOverride{},
		Excludes:   []*store.UserOverride{},
		Pagination: Page{Page: page, PageSize: pageSize, Total: total},
	}

	for _, o := range overrides {
		if o.OverrideType == store.OverrideInclude {
			listing.Includes = append(listing.Includes, o)
		} else {
			listing.Excludes = append(listing.Excludes, o)
		}
	}

	return listing, nil
}

// PurgeFlagOverrides removes every override of a flag (used when a flag is
// deleted) and drops the flag's override cache entries.
func (m *Manager) PurgeFlagOverrides(ctx context.Context, flagKey, environment string) error {
	flag, err := m.flags.FindByKey(ctx, flagKey, environment)
	if err != nil {
		return err
	}

	if err := m.overrides.DeleteAllByFlag(ctx, flag.ID); err != nil {
		return err
	}

	m.cache.InvalidateUserOverridesForFlag(ctx, flag.ID)
	return nil
}

func outcomeFor(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return "not_found"
	}
	return "error"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

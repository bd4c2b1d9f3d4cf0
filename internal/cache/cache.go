// Package cache provides the flag caching layer.
//
// Two interchangeable backends implement the same contract: an in-process
// cache (otter) and a Redis-backed cache. The backend is chosen once at
// composition time; the evaluation engine is indifferent to which one it
// received. No cache operation ever returns an error to the caller: a
// degraded cache behaves as a miss and callers fall back to the store.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/michael-menard/rollout/internal/store"
)

// DefaultTTL is the fallback lifetime for cached flag sets and overrides.
const DefaultTTL = 5 * time.Minute

// CachedFlagSet is the unit of flag caching: every flag of one environment,
// keyed by flag key, plus the instant the set stops being trustworthy.
// Derived and ephemeral; never persisted.
type CachedFlagSet struct {
	Flags     map[string]*store.Flag `json:"flags"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

// Expired reports whether the set has outlived its TTL.
// The envelope expiry backs up the backend's native expiry (defense in depth:
// a serialized set that survived past its TTL is still rejected).
func (s *CachedFlagSet) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// FlagCache is the backend-agnostic caching contract used by the evaluation
// engine and the override manager.
//
// Implementations must be safe for concurrent use. Redundant concurrent
// fills are acceptable: two racing writers produce equivalent entries.
type FlagCache interface {
	// Get returns the cached flag set for the environment, or nil on miss,
	// expiry, or backend error.
	Get(ctx context.Context, environment string) *CachedFlagSet

	// Set stores the environment's flag set with the given TTL.
	Set(ctx context.Context, environment string, flags []*store.Flag, ttl time.Duration)

	// GetFlag returns a single flag from the cached set, or nil when the set
	// or the key is absent.
	GetFlag(ctx context.Context, environment, flagKey string) *store.Flag

	// Invalidate drops the environment's flag set.
	Invalidate(ctx context.Context, environment string)

	// InvalidateAll drops every cached flag set and override entry.
	InvalidateAll(ctx context.Context)

	// GetUserOverride returns the cached override for (flag, user). The
	// second return is false when nothing is cached, which callers must
	// treat as "ask the store", not "no override exists".
	GetUserOverride(ctx context.Context, flagID uuid.UUID, userID string) (*store.UserOverride, bool)

	// SetUserOverride caches a single override entry. Only positive results
	// are cached; absence is never cached.
	SetUserOverride(ctx context.Context, flagID uuid.UUID, userID string, o *store.UserOverride, ttl time.Duration)

	// InvalidateUserOverride drops the cached entry for (flag, user).
	InvalidateUserOverride(ctx context.Context, flagID uuid.UUID, userID string)

	// InvalidateUserOverridesForFlag drops every cached override of the flag.
	InvalidateUserOverridesForFlag(ctx context.Context, flagID uuid.UUID)
}

// NewFlagSet builds the cached representation from a store listing.
func NewFlagSet(flags []*store.Flag, ttl time.Duration, now time.Time) *CachedFlagSet {
	set := &CachedFlagSet{
		Flags:     make(map[string]*store.Flag, len(flags)),
		ExpiresAt: now.Add(ttl),
	}
	for _, f := range flags {
		set.Flags[f.FlagKey] = f
	}
	return set
}

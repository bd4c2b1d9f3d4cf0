package cache

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"

	"github.com/michael-menard/rollout/internal/observability"
	"github.com/michael-menard/rollout/internal/store"
)

var _ FlagCache = (*Memory)(nil)

const memoryBackend = "memory"

// Memory is the in-process cache backend, built on otter's contention-free
// S3-FIFO cache with per-entry TTL. Entries are computed lazily on miss and
// expired lazily on read; no background sweep is required.
type Memory struct {
	flagSets  otter.CacheWithVariableTTL[string, *CachedFlagSet]
	overrides otter.CacheWithVariableTTL[string, *store.UserOverride]
}

// NewMemory initializes the in-process cache.
// capacity is a hard cap on entries per keyspace to prevent OOM.
func NewMemory(capacity int) (*Memory, error) {
	flagSets, err := otter.MustBuilder[string, *CachedFlagSet](capacity).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}

	overrides, err := otter.MustBuilder[string, *store.UserOverride](capacity).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}

	return &Memory{flagSets: flagSets, overrides: overrides}, nil
}

// Get returns the cached flag set for the environment, or nil on miss.
func (c *Memory) Get(_ context.Context, environment string) *CachedFlagSet {
	set, found := c.flagSets.Get(environment)
	if !found {
		observability.FlagCacheMisses.WithLabelValues(memoryBackend).Inc()
		return nil
	}
	// otter expires on its own; the envelope check is the lazy backstop.
	if set.Expired(time.Now()) {
		c.flagSets.Delete(environment)
		observability.FlagCacheMisses.WithLabelValues(memoryBackend).Inc()
		return nil
	}
	observability.FlagCacheHits.WithLabelValues(memoryBackend).Inc()
	return set
}

// Set stores the environment's flag set with the given TTL.
func (c *Memory) Set(_ context.Context, environment string, flags []*store.Flag, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.flagSets.Set(environment, NewFlagSet(flags, ttl, time.Now()), ttl)
}

// GetFlag returns a single flag from the cached set, or nil when absent.
func (c *Memory) GetFlag(ctx context.Context, environment, flagKey string) *store.Flag {
	set := c.Get(ctx, environment)
	if set == nil {
		return nil
	}
	return set.Flags[flagKey]
}

// Invalidate drops the environment's flag set.
func (c *Memory) Invalidate(_ context.Context, environment string) {
	c.flagSets.Delete(environment)
}

// InvalidateAll drops every cached entry in both keyspaces.
func (c *Memory) InvalidateAll(_ context.Context) {
	c.flagSets.Clear()
	c.overrides.Clear()
}

// GetUserOverride returns the cached override for (flag, user).
func (c *Memory) GetUserOverride(_ context.Context, flagID uuid.UUID, userID string) (*store.UserOverride, bool) {
	return c.overrides.Get(overrideEntryKey(flagID, userID))
}

// SetUserOverride caches a single override entry.
func (c *Memory) SetUserOverride(_ context.Context, flagID uuid.UUID, userID string, o *store.UserOverride, ttl time.Duration) {
	if o == nil {
		return
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.overrides.Set(overrideEntryKey(flagID, userID), o, ttl)
}

// InvalidateUserOverride drops the cached entry for (flag, user).
func (c *Memory) InvalidateUserOverride(_ context.Context, flagID uuid.UUID, userID string) {
	c.overrides.Delete(overrideEntryKey(flagID, userID))
}

// InvalidateUserOverridesForFlag drops every cached override of the flag.
func (c *Memory) InvalidateUserOverridesForFlag(_ context.Context, flagID uuid.UUID) {
	prefix := flagID.String() + ":"
	c.overrides.DeleteByFunc(func(key string, _ *store.UserOverride) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// Close shuts down the cache and its background goroutines.
func (c *Memory) Close() {
	c.flagSets.Close()
	c.overrides.Close()
}

// overrideEntryKey builds the override keyspace key: "{flagID}:{userID}".
func overrideEntryKey(flagID uuid.UUID, userID string) string {
	return flagID.String() + ":" + userID
}

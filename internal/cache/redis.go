package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/michael-menard/rollout/internal/observability"
	"github.com/michael-menard/rollout/internal/store"
)

var _ FlagCache = (*Redis)(nil)

const (
	redisBackend = "redis"

	// flagSetKeyPrefix namespaces the per-environment flag sets.
	// Example: "feature_flags:production"
	flagSetKeyPrefix = "feature_flags:"

	// overrideKeyPrefix namespaces the per-user override entries.
	// Example: "feature_flag_overrides:<flagID>:<userID>"
	overrideKeyPrefix = "feature_flag_overrides:"
)

// Redis is the distributed cache backend shared by every process of the fleet.
//
// Values are JSON envelopes carrying their own expiresAt: the wire format
// does not preserve date types, so expiry is enforced both by Redis's native
// TTL and by the envelope. Every backend error is swallowed and reported as
// a miss; the cache never blocks correctness.
type Redis struct {
	client       *redis.Client
	logger       *slog.Logger
	scanPageSize int64
}

// NewRedis creates the Redis cache backend.
func NewRedis(client *redis.Client, logger *slog.Logger, scanPageSize int64) *Redis {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if scanPageSize <= 0 {
		scanPageSize = 200
	}
	return &Redis{client: client, logger: logger, scanPageSize: scanPageSize}
}

// Get returns the cached flag set for the environment, or nil on miss,
// expiry, decode failure, or backend error.
func (c *Redis) Get(ctx context.Context, environment string) *CachedFlagSet {
	payload, err := c.client.Get(ctx, flagSetKey(environment)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("flag set cache read failed, treating as miss",
				slog.String("environment", environment),
				slog.String("error", err.Error()),
			)
		}
		observability.FlagCacheMisses.WithLabelValues(redisBackend).Inc()
		return nil
	}

	var set CachedFlagSet
	if err := json.Unmarshal(payload, &set); err != nil {
		c.logger.Warn("flag set cache entry is corrupt, treating as miss",
			slog.String("environment", environment),
			slog.String("error", err.Error()),
		)
		observability.FlagCacheMisses.WithLabelValues(redisBackend).Inc()
		return nil
	}

	if set.Expired(time.Now()) {
		observability.FlagCacheMisses.WithLabelValues(redisBackend).Inc()
		return nil
	}

	observability.FlagCacheHits.WithLabelValues(redisBackend).Inc()
	return &set
}

// Set stores the environment's flag set. Failures are logged and swallowed.
func (c *Redis) Set(ctx context.Context, environment string, flags []*store.Flag, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	payload, err := json.Marshal(NewFlagSet(flags, ttl, time.Now()))
	if err != nil {
		c.logger.Error("failed to encode flag set for cache",
			slog.String("environment", environment),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := c.client.Set(ctx, flagSetKey(environment), payload, ttl).Err(); err != nil {
		c.logger.Warn("flag set cache write failed",
			slog.String("environment", environment),
			slog.String("error", err.Error()),
		)
	}
}

// GetFlag returns a single flag from the cached set, or nil when absent.
func (c *Redis) GetFlag(ctx context.Context, environment, flagKey string) *store.Flag {
	set := c.Get(ctx, environment)
	if set == nil {
		return nil
	}
	return set.Flags[flagKey]
}

// Invalidate drops the environment's flag set.
func (c *Redis) Invalidate(ctx context.Context, environment string) {
	if err := c.client.Del(ctx, flagSetKey(environment)).Err(); err != nil {
		c.logger.Warn("flag set cache invalidation failed",
			slog.String("environment", environment),
			slog.String("error", err.Error()),
		)
	}
}

// InvalidateAll enumerates both keyspaces with a bounded prefix scan and
// deletes page by page. A single unbounded command would be unsafe against
// large key spaces. Absence of matching keys is not an error.
func (c *Redis) InvalidateAll(ctx context.Context) {
	c.deleteByPrefix(ctx, flagSetKeyPrefix+"*")
	c.deleteByPrefix(ctx, overrideKeyPrefix+"*")
}

// GetUserOverride returns the cached override for (flag, user).
func (c *Redis) GetUserOverride(ctx context.Context, flagID uuid.UUID, userID string) (*store.UserOverride, bool) {
	payload, err := c.client.Get(ctx, overrideKey(flagID, userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("override cache read failed, treating as miss",
				slog.String("flag_id", flagID.String()),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	var o store.UserOverride
	if err := json.Unmarshal(payload, &o); err != nil {
		c.logger.Warn("override cache entry is corrupt, treating as miss",
			slog.String("flag_id", flagID.String()),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	return &o, true
}

// SetUserOverride caches a single override entry.
func (c *Redis) SetUserOverride(ctx context.Context, flagID uuid.UUID, userID string, o *store.UserOverride, ttl time.Duration) {
	if o == nil {
		return
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	payload, err := json.Marshal(o)
	if err != nil {
		c.logger.Error("failed to encode override for cache",
			slog.String("flag_id", flagID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := c.client.Set(ctx, overrideKey(flagID, userID), payload, ttl).Err(); err != nil {
		c.logger.Warn("override cache write failed",
			slog.String("flag_id", flagID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// InvalidateUserOverride drops the cached entry for (flag, user).
func (c *Redis) InvalidateUserOverride(ctx context.Context, flagID uuid.UUID, userID string) {
	if err := c.client.Del(ctx, overrideKey(flagID, userID)).Err(); err != nil {
		c.logger.Warn("override cache invalidation failed",
			slog.String("flag_id", flagID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// InvalidateUserOverridesForFlag drops every cached override of the flag.
func (c *Redis) InvalidateUserOverridesForFlag(ctx context.Context, flagID uuid.UUID) {
	c.deleteByPrefix(ctx, overrideKeyPrefix+flagID.String()+":*")
}

// deleteByPrefix walks the keyspace with SCAN (bounded page size) and
// deletes each page. Errors abort the walk silently: a failed invalidation
// degrades to stale-until-TTL, never to an error for the caller.
func (c *Redis) deleteByPrefix(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, c.scanPageSize).Result()
		if err != nil {
			c.logger.Warn("cache prefix scan failed",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()),
			)
			return
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("cache prefix delete failed",
					slog.String("pattern", pattern),
					slog.String("error", err.Error()),
				)
				return
			}
		}

		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func flagSetKey(environment string) string {
	return flagSetKeyPrefix + environment
}

func overrideKey(flagID uuid.UUID, userID string) string {
	return overrideKeyPrefix + flagID.String() + ":" + userID
}

package override

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Limiter = (*RedisLimiter)(nil)

// rateLimitKeyPrefix namespaces the shared counters.
// Example: "feature_flag_override_rate:<flagID>"
const rateLimitKeyPrefix = "feature_flag_override_rate:"

// RedisLimiter is the distributed Limiter: one INCR-with-expiry counter per
// flag, shared by every process mutating overrides. A counter error fails
// open — availability of the management path beats strict ceilings when the
// counter store is degraded.
type RedisLimiter struct {
	client *redis.Client
	logger *slog.Logger
	max    int64
	window time.Duration
}

// NewRedisLimiter creates a limiter backed by the given client.
func NewRedisLimiter(client *redis.Client, logger *slog.Logger, max int, window time.Duration) *RedisLimiter {
	if client == nil {
		panic("override: redis client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if max <= 0 {
		max = RateLimitMaxChanges
	}
	if window <= 0 {
		window = RateLimitWindow
	}
	return &RedisLimiter{client: client, logger: logger, max: int64(max), window: window}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, flagID uuid.UUID) bool {
	key := rateLimitKeyPrefix + flagID.String()

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limit counter unavailable, failing open",
			slog.String("flag_id", flagID.String()),
			slog.String("error", err.Error()),
		)
		return true
	}

	// First mutation of a fresh window starts the expiry clock.
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			l.logger.Warn("failed to set rate limit window expiry",
				slog.String("flag_id", flagID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	return count <= l.max
}

// Reset implements Limiter.
func (l *RedisLimiter) Reset(ctx context.Context, flagID uuid.UUID) {
	if err := l.client.Del(ctx, rateLimitKeyPrefix+flagID.String()).Err(); err != nil {
		l.logger.Warn("failed to reset rate limit counter",
			slog.String("flag_id", flagID.String()),
			slog.String("error", err.Error()),
		)
	}
}

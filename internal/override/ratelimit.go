package override

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Rate-limit ceiling: at most 100 override mutations per flag per window.
// This is a hard ceiling against abusive scripted changes, not precise
// windowing.
const (
	RateLimitMaxChanges = 100
	RateLimitWindow     = time.Hour
)

// Limiter is the injected per-flag mutation counter.
// It is a dependency rather than package state so tests can reset it and so
// multiple processes can share a counter through the distributed
// implementation.
type Limiter interface {
	// Allow records one mutation attempt for the flag and reports whether it
	// is within the ceiling for the current window.
	Allow(ctx context.Context, flagID uuid.UUID) bool

	// Reset clears the counter for the flag.
	Reset(ctx context.Context, flagID uuid.UUID)
}

var _ Limiter = (*MemoryLimiter)(nil)

// MemoryLimiter is the in-process Limiter: a counter per flag with a coarse
// window that restarts once the previous one expires.
type MemoryLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[uuid.UUID]*limiterWindow

	// now is swappable for tests.
	now func() time.Time
}

type limiterWindow struct {
	count       int
	windowStart time.Time
}

// NewMemoryLimiter creates an in-process limiter with the given ceiling and window.
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	if max <= 0 {
		max = RateLimitMaxChanges
	}
	if window <= 0 {
		window = RateLimitWindow
	}
	return &MemoryLimiter{
		max:     max,
		window:  window,
		entries: make(map[uuid.UUID]*limiterWindow),
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, flagID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[flagID]
	if !ok || now.Sub(entry.windowStart) > l.window {
		l.entries[flagID] = &limiterWindow{count: 1, windowStart: now}
		return true
	}

	if entry.count >= l.max {
		return false
	}

	entry.count++
	return true
}

// Reset implements Limiter.
func (l *MemoryLimiter) Reset(_ context.Context, flagID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, flagID)
}

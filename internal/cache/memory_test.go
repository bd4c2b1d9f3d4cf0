package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michael-menard/rollout/internal/store"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := NewMemory(1024)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func testFlags(keys ...string) []*store.Flag {
	flags := make([]*store.Flag, len(keys))
	for i, k := range keys {
		flags[i] = &store.Flag{ID: uuid.New(), FlagKey: k, Environment: "production", Enabled: true}
	}
	return flags
}

func TestMemory_SetGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMemory(t)

	assert.Nil(t, m.Get(ctx, "production"), "empty cache must miss")

	m.Set(ctx, "production", testFlags("a", "b"), time.Minute)

	set := m.Get(ctx, "production")
	require.NotNil(t, set)
	assert.Len(t, set.Flags, 2)
	assert.NotNil(t, m.GetFlag(ctx, "production", "a"))
	assert.Nil(t, m.GetFlag(ctx, "production", "ghost"))

	assert.Nil(t, m.Get(ctx, "staging"), "environments must not share entries")
}

func TestMemory_EnvelopeExpiryBackstop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMemory(t)

	// Insert an already-expired envelope directly, bypassing Set. The read
	// path must reject it even though otter has not evicted it yet.
	stale := NewFlagSet(testFlags("a"), -time.Second, time.Now())
	m.flagSets.Set("production", stale, time.Minute)

	assert.Nil(t, m.Get(ctx, "production"))
}

func TestMemory_Invalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMemory(t)
	m.Set(ctx, "production", testFlags("a"), time.Minute)
	m.Set(ctx, "staging", testFlags("b"), time.Minute)

	m.Invalidate(ctx, "production")

	assert.Nil(t, m.Get(ctx, "production"))
	assert.NotNil(t, m.Get(ctx, "staging"), "invalidation must be scoped to one environment")
}

func TestMemory_UserOverrides(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMemory(t)
	flagID := uuid.New()
	o := &store.UserOverride{ID: uuid.New(), FlagID: flagID, UserID: "user-1", OverrideType: store.OverrideInclude}

	_, found := m.GetUserOverride(ctx, flagID, "user-1")
	assert.False(t, found)

	m.SetUserOverride(ctx, flagID, "user-1", o, time.Minute)

	got, found := m.GetUserOverride(ctx, flagID, "user-1")
	require.True(t, found)
	assert.Equal(t, o, got)

	m.InvalidateUserOverride(ctx, flagID, "user-1")
	_, found = m.GetUserOverride(ctx, flagID, "user-1")
	assert.False(t, found)
}

func TestMemory_SetUserOverride_IgnoresNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMemory(t)
	flagID := uuid.New()

	// Absence is never cached: a nil write must not create an entry.
	m.SetUserOverride(ctx, flagID, "user-1", nil, time.Minute)

	_, found := m.GetUserOverride(ctx, flagID, "user-1")
	assert.False(t, found)
}

func TestMemory_InvalidateUserOverridesForFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMemory(t)
	flagA := uuid.New()
	flagB := uuid.New()

	for _, userID := range []string{"u1", "u2"} {
		m.SetUserOverride(ctx, flagA, userID,
			&store.UserOverride{FlagID: flagA, UserID: userID, OverrideType: store.OverrideInclude}, time.Minute)
	}
	m.SetUserOverride(ctx, flagB, "u1",
		&store.UserOverride{FlagID: flagB, UserID: "u1", OverrideType: store.OverrideExclude}, time.Minute)

	m.InvalidateUserOverridesForFlag(ctx, flagA)

	_, found := m.GetUserOverride(ctx, flagA, "u1")
	assert.False(t, found)
	_, found = m.GetUserOverride(ctx, flagA, "u2")
	assert.False(t, found)
	_, found = m.GetUserOverride(ctx, flagB, "u1")
	assert.True(t, found, "other flags' entries must survive")
}

func TestMemory_InvalidateAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMemory(t)
	flagID := uuid.New()
	m.Set(ctx, "production", testFlags("a"), time.Minute)
	m.SetUserOverride(ctx, flagID, "u1",
		&store.UserOverride{FlagID: flagID, UserID: "u1", OverrideType: store.OverrideInclude}, time.Minute)

	m.InvalidateAll(ctx)

	assert.Nil(t, m.Get(ctx, "production"))
	_, found := m.GetUserOverride(ctx, flagID, "u1")
	assert.False(t, found)
}

func TestNewFlagSet(t *testing.T) {
	t.Parallel()

	now := time.Now()
	set := NewFlagSet(testFlags("a", "b"), time.Minute, now)

	assert.Len(t, set.Flags, 2)
	assert.Equal(t, now.Add(time.Minute), set.ExpiresAt)
	assert.False(t, set.Expired(now))
	assert.False(t, set.Expired(now.Add(time.Minute)), "expiry boundary is exclusive")
	assert.True(t, set.Expired(now.Add(time.Minute+time.Nanosecond)))
}

package override_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michael-menard/rollout/internal/cache"
	"github.com/michael-menard/rollout/internal/override"
	"github.com/michael-menard/rollout/internal/store"
)

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

type fakeFlagRepo struct {
	flag *store.Flag
}

func (r *fakeFlagRepo) Create(context.Context, *store.Flag) error { return nil }

func (r *fakeFlagRepo) FindByKey(_ context.Context, key, env string) (*store.Flag, error) {
	if r.flag == nil || r.flag.FlagKey != key || r.flag.Environment != env {
		return nil, store.ErrNotFound
	}
	return r.flag, nil
}

func (r *fakeFlagRepo) FindByID(context.Context, uuid.UUID) (*store.Flag, error) {
	return nil, store.ErrNotFound
}

func (r *fakeFlagRepo) FindAllByEnvironment(context.Context, string) ([]*store.Flag, error) {
	return nil, nil
}

func (r *fakeFlagRepo) Update(context.Context, string, string, store.FlagPatch) (*store.Flag, error) {
	return nil, store.ErrNotFound
}

func (r *fakeFlagRepo) UpdateByID(context.Context, uuid.UUID, store.FlagPatch) (*store.Flag, error) {
	return nil, store.ErrNotFound
}

func (r *fakeFlagRepo) Delete(context.Context, string, string) error { return nil }

type fakeOverrideRepo struct {
	entries map[string]*store.UserOverride
}

func newFakeOverrideRepo() *fakeOverrideRepo {
	return &fakeOverrideRepo{entries: make(map[string]*store.UserOverride)}
}

func entryKey(flagID uuid.UUID, userID string) string {
	return flagID.String() + "/" + userID
}

func (r *fakeOverrideRepo) Upsert(_ context.Context, flagID uuid.UUID, in store.OverrideInput) (*store.UserOverride, error) {
	k := entryKey(flagID, in.UserID)
	if existing, ok := r.entries[k]; ok {
		existing.OverrideType = in.OverrideType
		existing.Reason = in.Reason
		existing.CreatedBy = in.CreatedBy
		return existing, nil
	}
	o := &store.UserOverride{
		ID:           uuid.New(),
		FlagID:       flagID,
		UserID:       in.UserID,
		OverrideType: in.OverrideType,
		Reason:       in.Reason,
		CreatedBy:    in.CreatedBy,
		CreatedAt:    time.Now(),
	}
	r.entries[k] = o
	return o, nil
}

func (r *fakeOverrideRepo) Delete(_ context.Context, flagID uuid.UUID, userID string) error {
	k := entryKey(flagID, userID)
	if _, ok := r.entries[k]; !ok {
		return store.ErrNotFound
	}
	delete(r.entries, k)
	return nil
}

func (r *fakeOverrideRepo) FindByFlagAndUser(_ context.Context, flagID uuid.UUID, userID string) (*store.UserOverride, error) {
	o, ok := r.entries[entryKey(flagID, userID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (r *fakeOverrideRepo) FindAllByFlag(_ context.Context, flagID uuid.UUID, limit, offset int) ([]*store.UserOverride, int64, error) {
	var out []*store.UserOverride
	for _, o := range r.entries {
		if o.FlagID == flagID {
			out = append(out, o)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeOverrideRepo) FindByUserAndFlagIDs(context.Context, string, []uuid.UUID) (map[uuid.UUID]*store.UserOverride, error) {
	return nil, nil
}

func (r *fakeOverrideRepo) DeleteAllByFlag(_ context.Context, flagID uuid.UUID) error {
	for k, o := range r.entries {
		if o.FlagID == flagID {
			delete(r.entries, k)
		}
	}
	return nil
}

// denyLimiter always rejects.
type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, uuid.UUID) bool { return false }
func (denyLimiter) Reset(context.Context, uuid.UUID)      {}

// ----------------------------------------------------------------------------
// Harness
// ----------------------------------------------------------------------------

type harness struct {
	flag      *store.Flag
	overrides *fakeOverrideRepo
	cache     *cache.Memory
	manager   *override.Manager
}

func newHarness(t *testing.T, limiter override.Limiter) *harness {
	t.Helper()

	flag := &store.Flag{
		ID:          uuid.New(),
		FlagKey:     "dark-mode",
		Environment: "production",
		Enabled:     true,
	}

	overrides := newFakeOverrideRepo()
	memory, err := cache.NewMemory(1024)
	require.NoError(t, err)
	t.Cleanup(memory.Close)

	if limiter == nil {
		limiter = override.NewMemoryLimiter(override.RateLimitMaxChanges, override.RateLimitWindow)
	}

	return &harness{
		flag:      flag,
		overrides: overrides,
		cache:     memory,
		manager:   override.NewManager(&fakeFlagRepo{flag: flag}, overrides, memory, limiter, nil, nil, time.Minute),
	}
}

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

func TestAddUserOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates an include entry", func(t *testing.T) {
		h := newHarness(t, nil)

		got, err := h.manager.AddUserOverride(ctx, "dark-mode", "production", store.OverrideInput{
			UserID:       "user-1",
			OverrideType: store.OverrideInclude,
		})

		require.NoError(t, err)
		assert.Equal(t, h.flag.ID, got.FlagID)
		assert.Equal(t, store.OverrideInclude, got.OverrideType)
	})

	t.Run("repeat add updates the entry in place", func(t *testing.T) {
		h := newHarness(t, nil)

		first, err := h.manager.AddUserOverride(ctx, "dark-mode", "production", store.OverrideInput{
			UserID:       "user-1",
			OverrideType: store.OverrideInclude,
		})
		require.NoError(t, err)

		second, err := h.manager.AddUserOverride(ctx, "dark-mode", "production", store.OverrideInput{
			UserID:       "user-1",
			OverrideType: store.OverrideExclude,
		})
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID, "same (flag, user) pair must keep one row")
		assert.Equal(t, store.OverrideExclude, second.OverrideType)
	})

	t.Run("unknown flag", func(t *testing.T) {
		h := newHarness(t, nil)

		_, err := h.manager.AddUserOverride(ctx, "ghost", "production", store.OverrideInput{
			UserID:       "user-1",
			OverrideType: store.OverrideInclude,
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t, denyLimiter{})

		_, err := h.manager.AddUserOverride(ctx, "dark-mode", "production", store.OverrideInput{
			UserID:       "user-1",
			OverrideType: store.OverrideInclude,
		})
		assert.ErrorIs(t, err, override.ErrRateLimited)
	})

	t.Run("invalidates the cached entry for the pair", func(t *testing.T) {
		h := newHarness(t, nil)

		// Seed a stale cached override.
		stale := &store.UserOverride{FlagID: h.flag.ID, UserID: "user-1", OverrideType: store.OverrideExclude}
		h.cache.SetUserOverride(ctx, h.flag.ID, "user-1", stale, time.Minute)

		_, err := h.manager.AddUserOverride(ctx, "dark-mode", "production", store.OverrideInput{
			UserID:       "user-1",
			OverrideType: store.OverrideInclude,
		})
		require.NoError(t, err)

		_, found := h.cache.GetUserOverride(ctx, h.flag.ID, "user-1")
		assert.False(t, found, "stale cache entry must be dropped before success is reported")
	})
}

func TestRemoveUserOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("removes an existing entry", func(t *testing.T) {
		h := newHarness(t, nil)

		_, err := h.manager.AddUserOverride(ctx, "dark-mode", "production", store.OverrideInput{
			UserID:       "user-1",
			OverrideType: store.OverrideInclude,
		})
		require.NoError(t, err)

		require.NoError(t, h.manager.RemoveUserOverride(ctx, "dark-mode", "production", "user-1"))

		_, err = h.overrides.FindByFlagAndUser(ctx, h.flag.ID, "user-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("missing entry", func(t *testing.T) {
		h := newHarness(t, nil)
		err := h.manager.RemoveUserOverride(ctx, "dark-mode", "production", "nobody")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t, denyLimiter{})
		err := h.manager.RemoveUserOverride(ctx, "dark-mode", "production", "user-1")
		assert.ErrorIs(t, err, override.ErrRateLimited)
	})
}

func TestListUserOverrides_PartitionsByType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, nil)
	for i, typ := range []store.OverrideType{
		store.OverrideInclude, store.OverrideExclude, store.OverrideInclude,
	} {
		_, err := h.manager.AddUserOverride(ctx, "dark-mode", "production", store.OverrideInput{
			UserID:       string(rune('a' + i)),
			OverrideType: typ,
		})
		require.NoError(t, err)
	}

	listing, err := h.manager.ListUserOverrides(ctx, "dark-mode", "production", 1, 50)
	require.NoError(t, err)

	assert.Len(t, listing.Includes, 2)
	assert.Len(t, listing.Excludes, 1)
	assert.Equal(t, int64(3), listing.Pagination.Total)
	assert.Equal(t, 1, listing.Pagination.Page)
	assert.Equal(t, 50, listing.Pagination.PageSize)
}

func TestListUserOverrides_ClampsPagination(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	listing, err := h.manager.ListUserOverrides(context.Background(), "dark-mode", "production", -5, 99999)
	require.NoError(t, err)

	assert.Equal(t, 1, listing.Pagination.Page)
	assert.Equal(t, override.MaxPageSize, listing.Pagination.PageSize)
}

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michael-menard/rollout/internal/cache"
	"github.com/michael-menard/rollout/internal/engine"
	"github.com/michael-menard/rollout/internal/httpapi"
	"github.com/michael-menard/rollout/internal/override"
	"github.com/michael-menard/rollout/internal/schedule"
	"github.com/michael-menard/rollout/internal/store"
)

// ----------------------------------------------------------------------------
// In-memory repositories
// ----------------------------------------------------------------------------

type memFlags struct {
	byKey map[string]*store.Flag
	byID  map[uuid.UUID]*store.Flag
}

func newMemFlags() *memFlags {
	return &memFlags{byKey: make(map[string]*store.Flag), byID: make(map[uuid.UUID]*store.Flag)}
}

func flagKey(key, env string) string { return env + "/" + key }

func (r *memFlags) Create(_ context.Context, f *store.Flag) error {
	k := flagKey(f.FlagKey, f.Environment)
	if _, ok := r.byKey[k]; ok {
		return store.ErrDuplicateKey
	}
	f.ID = uuid.New()
	f.CreatedAt = time.Now()
	f.UpdatedAt = f.CreatedAt
	r.byKey[k] = f
	r.byID[f.ID] = f
	return nil
}

func (r *memFlags) FindByKey(_ context.Context, key, env string) (*store.Flag, error) {
	f, ok := r.byKey[flagKey(key, env)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f, nil
}

func (r *memFlags) FindByID(_ context.Context, id uuid.UUID) (*store.Flag, error) {
	f, ok := r.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f, nil
}

func (r *memFlags) FindAllByEnvironment(_ context.Context, env string) ([]*store.Flag, error) {
	var out []*store.Flag
	for _, f := range r.byKey {
		if f.Environment == env {
			out = append(out, f)
		}
	}
	return out, nil
}

func applyPatch(f *store.Flag, patch store.FlagPatch) {
	if patch.Enabled != nil {
		f.Enabled = *patch.Enabled
	}
	if patch.RolloutPercentage != nil {
		f.RolloutPercentage = *patch.RolloutPercentage
	}
	if patch.Description != nil {
		f.Description = *patch.Description
	}
	f.UpdatedAt = time.Now()
}

func (r *memFlags) Update(ctx context.Context, key, env string, patch store.FlagPatch) (*store.Flag, error) {
	f, err := r.FindByKey(ctx, key, env)
	if err != nil {
		return nil, err
	}
	applyPatch(f, patch)
	return f, nil
}

func (r *memFlags) UpdateByID(ctx context.Context, id uuid.UUID, patch store.FlagPatch) (*store.Flag, error) {
	f, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	applyPatch(f, patch)
	return f, nil
}

func (r *memFlags) Delete(_ context.Context, key, env string) error {
	f, ok := r.byKey[flagKey(key, env)]
	if !ok {
		return store.ErrNotFound
	}
	delete(r.byKey, flagKey(key, env))
	delete(r.byID, f.ID)
	return nil
}

type memOverrides struct {
	entries map[string]*store.UserOverride
}

func newMemOverrides() *memOverrides {
	return &memOverrides{entries: make(map[string]*store.UserOverride)}
}

func overrideKey(flagID uuid.UUID, userID string) string {
	return flagID.String() + "/" + userID
}

func (r *memOverrides) Upsert(_ context.Context, flagID uuid.UUID, in store.OverrideInput) (*store.UserOverride, error) {
	k := overrideKey(flagID, in.UserID)
	if existing, ok := r.entries[k]; ok {
		existing.OverrideType = in.OverrideType
		existing.Reason = in.Reason
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

func (r *memOverrides) Delete(_ context.Context, flagID uuid.UUID, userID string) error {
	k := overrideKey(flagID, userID)
	if _, ok := r.entries[k]; !ok {
		return store.ErrNotFound
	}
	delete(r.entries, k)
	return nil
}

func (r *memOverrides) FindByFlagAndUser(_ context.Context, flagID uuid.UUID, userID string) (*store.UserOverride, error) {
	o, ok := r.entries[overrideKey(flagID, userID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (r *memOverrides) FindAllByFlag(_ context.Context, flagID uuid.UUID, limit, offset int) ([]*store.UserOverride, int64, error) {
	var out []*store.UserOverride
	for _, o := range r.entries {
		if o.FlagID == flagID {
			out = append(out, o)
		}
	}
	return out, int64(len(out)), nil
}

func (r *memOverrides) FindByUserAndFlagIDs(_ context.Context, userID string, flagIDs []uuid.UUID) (map[uuid.UUID]*store.UserOverride, error) {
	out := make(map[uuid.UUID]*store.UserOverride)
	for _, id := range flagIDs {
		if o, ok := r.entries[overrideKey(id, userID)]; ok {
			out[id] = o
		}
	}
	return out, nil
}

func (r *memOverrides) DeleteAllByFlag(_ context.Context, flagID uuid.UUID) error {
	for k, o := range r.entries {
		if o.FlagID == flagID {
			delete(r.entries, k)
		}
	}
	return nil
}

type memSchedules struct {
	byID map[uuid.UUID]*schedule.Schedule
}

func newMemSchedules() *memSchedules {
	return &memSchedules{byID: make(map[uuid.UUID]*schedule.Schedule)}
}

func (r *memSchedules) Create(_ context.Context, s *schedule.Schedule) error {
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	r.byID[s.ID] = s
	return nil
}

func (r *memSchedules) FindByID(_ context.Context, id uuid.UUID) (*schedule.Schedule, error) {
	s, ok := r.byID[id]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	return s, nil
}

func (r *memSchedules) FindAllByFlag(_ context.Context, flagID uuid.UUID) ([]*schedule.Schedule, error) {
	var out []*schedule.Schedule
	for _, s := range r.byID {
		if s.FlagID == flagID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memSchedules) ClaimDue(context.Context, int) (schedule.Claim, error) {
	panic("claiming is the processor's job, not the API's")
}

func (r *memSchedules) Cancel(ctx context.Context, id uuid.UUID, cancelledBy *string) (*schedule.Schedule, error) {
	s, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != schedule.StatusPending {
		return s, schedule.ErrAlreadyApplied
	}
	now := time.Now()
	s.Status = schedule.StatusCancelled
	s.CancelledBy = cancelledBy
	s.CancelledAt = &now
	return s, nil
}

// ----------------------------------------------------------------------------
// Harness
// ----------------------------------------------------------------------------

type apiHarness struct {
	api   *httpapi.API
	flags *memFlags
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	flags := newMemFlags()
	overrides := newMemOverrides()
	schedules := newMemSchedules()

	memory, err := cache.NewMemory(1024)
	require.NoError(t, err)
	t.Cleanup(memory.Close)

	eng := engine.New(flags, overrides, memory, nil, time.Minute)
	mgr := override.NewManager(flags, overrides, memory,
		override.NewMemoryLimiter(override.RateLimitMaxChanges, override.RateLimitWindow), nil, nil, time.Minute)
	svc := schedule.NewService(flags, schedules, nil, nil, schedule.DefaultMaxRetries)

	return &apiHarness{
		api:   httpapi.NewAPI(flags, eng, mgr, svc, memory, nil),
		flags: flags,
	}
}

// do executes a request against the router and decodes the JSON response.
func (h *apiHarness) do(t *testing.T, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.api.Router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded),
			"response body must be JSON: %s", rec.Body.String())
	}
	return rec, decoded
}

func (h *apiHarness) createFlag(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	rec, resp := h.do(t, http.MethodPost, "/api/v1/flags", body)
	require.Equal(t, http.StatusCreated, rec.Code, "create flag failed: %s", rec.Body.String())
	return resp
}

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	rec, resp := h.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp["status"])
}

func TestFlagLifecycle(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)

	t.Run("create", func(t *testing.T) {
		resp := h.createFlag(t, map[string]any{
			"flagKey":           "checkout-v2",
			"enabled":           true,
			"rolloutPercentage": 25,
		})
		assert.Equal(t, "checkout-v2", resp["flagKey"])
		assert.Equal(t, "production", resp["environment"], "environment defaults to production")
	})

	t.Run("duplicate key answers 409", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodPost, "/api/v1/flags", map[string]any{"flagKey": "checkout-v2"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "ERR_CONFLICT", resp["code"])
	})

	t.Run("invalid key answers 400", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodPost, "/api/v1/flags", map[string]any{"flagKey": "Not A Slug!"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_INPUT", resp["code"])
	})

	t.Run("get", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodGet, "/api/v1/flags/checkout-v2", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(25), resp["rolloutPercentage"])
	})

	t.Run("get unknown answers 404", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodGet, "/api/v1/flags/ghost", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "ERR_NOT_FOUND", resp["code"])
	})

	t.Run("patch", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodPatch, "/api/v1/flags/checkout-v2", map[string]any{"rolloutPercentage": 50})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(50), resp["rolloutPercentage"])
		assert.Equal(t, true, resp["enabled"], "untouched fields survive a partial update")
	})

	t.Run("patch out-of-range rollout answers 400", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodPatch, "/api/v1/flags/checkout-v2", map[string]any{"rolloutPercentage": 150})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodGet, "/api/v1/flags", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, resp["flags"], 1)
	})

	t.Run("delete", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodDelete, "/api/v1/flags/checkout-v2", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec, _ = h.do(t, http.MethodGet, "/api/v1/flags/checkout-v2", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestEvaluateEndpoints(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.createFlag(t, map[string]any{"flagKey": "full-on", "enabled": true, "rolloutPercentage": 100})
	h.createFlag(t, map[string]any{"flagKey": "dark", "enabled": false, "rolloutPercentage": 100})

	t.Run("single flag", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodGet, "/api/v1/flags/full-on/evaluate?userId=user-1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, resp["enabled"])
	})

	t.Run("unknown flag still answers 200 with enabled false", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodGet, "/api/v1/flags/ghost/evaluate?userId=user-1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, resp["enabled"])
	})

	t.Run("batch matches per-flag results", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodGet, "/api/v1/evaluate?userId=user-1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		flags, ok := resp["flags"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, flags["full-on"])
		assert.Equal(t, false, flags["dark"])
	})
}

func TestOverrideEndpoints(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.createFlag(t, map[string]any{"flagKey": "beta", "enabled": true, "rolloutPercentage": 0})

	t.Run("add include override flips evaluation", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodPost, "/api/v1/flags/beta/overrides", map[string]any{
			"userId":       "vip-user",
			"overrideType": "include",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "include", resp["overrideType"])

		rec, resp = h.do(t, http.MethodGet, "/api/v1/flags/beta/evaluate?userId=vip-user", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, resp["enabled"], "include override must beat a 0% rollout")
	})

	t.Run("invalid override type answers 400", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodPost, "/api/v1/flags/beta/overrides", map[string]any{
			"userId":       "vip-user",
			"overrideType": "maybe",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown flag answers 404", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodPost, "/api/v1/flags/ghost/overrides", map[string]any{
			"userId":       "vip-user",
			"overrideType": "include",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodGet, "/api/v1/flags/beta/overrides", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, resp["includes"], 1)
	})

	t.Run("remove", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodDelete, "/api/v1/flags/beta/overrides/vip-user", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec, resp := h.do(t, http.MethodGet, "/api/v1/flags/beta/evaluate?userId=vip-user", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, resp["enabled"])
	})

	t.Run("remove missing answers 404", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodDelete, "/api/v1/flags/beta/overrides/nobody", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed pagination answers 400", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodGet, "/api/v1/flags/beta/overrides?page=abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestScheduleEndpoints(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.createFlag(t, map[string]any{"flagKey": "rollout-target", "enabled": true})

	when := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	var scheduleID string

	t.Run("create", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodPost, "/api/v1/flags/rollout-target/schedules", map[string]any{
			"scheduledAt": when,
			"updates":     map[string]any{"rolloutPercentage": 50},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "pending", resp["status"])

		var ok bool
		scheduleID, ok = resp["id"].(string)
		require.True(t, ok)
	})

	t.Run("empty updates answer 400", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodPost, "/api/v1/flags/rollout-target/schedules", map[string]any{
			"scheduledAt": when,
			"updates":     map[string]any{},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_INPUT", resp["code"])
	})

	t.Run("missing scheduledAt answers 400", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodPost, "/api/v1/flags/rollout-target/schedules", map[string]any{
			"updates": map[string]any{"rolloutPercentage": 50},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown flag answers 400 with invalid flag code", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodPost, "/api/v1/flags/ghost/schedules", map[string]any{
			"scheduledAt": when,
			"updates":     map[string]any{"rolloutPercentage": 50},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_FLAG", resp["code"])
	})

	t.Run("list by flag", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodGet, "/api/v1/flags/rollout-target/schedules", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, resp["schedules"], 1)
	})

	t.Run("get by id", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodGet, "/api/v1/schedules/"+scheduleID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, scheduleID, resp["id"])
	})

	t.Run("malformed id answers 400", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodGet, "/api/v1/schedules/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown id answers 404", func(t *testing.T) {
		rec, _ := h.do(t, http.MethodGet, "/api/v1/schedules/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("cancel", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodDelete, "/api/v1/schedules/"+scheduleID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "cancelled", resp["status"])
	})

	t.Run("cancel twice answers 409", func(t *testing.T) {
		rec, resp := h.do(t, http.MethodDelete, "/api/v1/schedules/"+scheduleID, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "ERR_ALREADY_APPLIED", resp["code"])
	})
}

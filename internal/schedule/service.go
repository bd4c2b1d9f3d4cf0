package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/michael-menard/rollout/internal/audit"
	"github.com/michael-menard/rollout/internal/store"
)

// CreateInput carries the caller-supplied fields of a new schedule.
type CreateInput struct {
	ScheduledAt time.Time
	Updates     store.FlagPatch
	MaxRetries  int
	CreatedBy   *string
}

// Service is the management surface for schedules: creation, listing and
// cancellation. Application is the Processor's job.
type Service struct {
	flags      store.FlagRepository
	schedules  Repository
	audit      audit.Recorder
	logger     *slog.Logger
	maxRetries int
}

// NewService creates a schedule management service. defaultMaxRetries is the
// retry budget applied when the caller does not choose one; out-of-range
// values fall back to DefaultMaxRetries.
func NewService(flags store.FlagRepository, schedules Repository, recorder audit.Recorder, logger *slog.Logger, defaultMaxRetries int) *Service {
	if flags == nil {
		panic("schedule: flag repository cannot be nil")
	}
	if schedules == nil {
		panic("schedule: schedule repository cannot be nil")
	}
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if defaultMaxRetries < 0 || defaultMaxRetries > MaxRetriesCeiling {
		defaultMaxRetries = DefaultMaxRetries
	}
	return &Service{
		flags:      flags,
		schedules:  schedules,
		audit:      recorder,
		logger:     logger,
		maxRetries: defaultMaxRetries,
	}
}

// Create registers a future mutation against the flag identified by
// (key, environment). The flag must exist at creation time; the processor
// re-checks at application time, since the flag can disappear in between.
// Returns ErrInvalidFlag when the flag is unknown.
func (s *Service) Create(ctx context.Context, flagKey, environment string, in CreateInput) (*Schedule, error) {
	flag, err := s.flags.FindByKey(ctx, flagKey, environment)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrInvalidFlag, flagKey, environment)
		}
		return nil, err
	}

	if in.Updates.IsEmpty() {
		return nil, fmt.Errorf("%w: schedule updates cannot be empty", ErrInvalidFlag)
	}

	// A negative MaxRetries means "not chosen": apply the configured default.
	maxRetries := in.MaxRetries
	if maxRetries < 0 {
		maxRetries = s.maxRetries
	}

	sched := &Schedule{
		FlagID:      flag.ID,
		ScheduledAt: in.ScheduledAt,
		Status:      StatusPending,
		Updates:     in.Updates,
		MaxRetries:  ClampMaxRetries(maxRetries),
		CreatedBy:   in.CreatedBy,
	}

	if err := s.schedules.Create(ctx, sched); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.EventScheduleCreated, map[string]any{
		"scheduleId":  sched.ID.String(),
		"flagId":      flag.ID.String(),
		"flagKey":     flagKey,
		"environment": environment,
		"scheduledAt": sched.ScheduledAt.UTC().Format(time.RFC3339),
		"createdBy":   derefString(in.CreatedBy),
	})

	s.logger.Info("schedule created",
		slog.String("schedule_id", sched.ID.String()),
		slog.String("flag_key", flagKey),
		slog.String("environment", environment),
		slog.Time("scheduled_at", sched.ScheduledAt),
	)

	return sched, nil
}

// Get fetches a single schedule by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return s.schedules.FindByID(ctx, id)
}

// ListByFlag returns every schedule targeting the flag, newest first.
func (s *Service) ListByFlag(ctx context.Context, flagKey, environment string) ([]*Schedule, error) {
	flag, err := s.flags.FindByKey(ctx, flagKey, environment)
	if err != nil {
		return nil, err
	}
	return s.schedules.FindAllByFlag(ctx, flag.ID)
}

// Cancel withdraws a pending schedule. Only pending schedules can be
// cancelled; anything further along returns ErrAlreadyApplied.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, cancelledBy *string) (*Schedule, error) {
	sched, err := s.schedules.Cancel(ctx, id, cancelledBy)
	if err != nil {
		return sched, err
	}

	s.audit.Record(ctx, audit.EventScheduleCancelled, map[string]any{
		"scheduleId":  sched.ID.String(),
		"flagId":      sched.FlagID.String(),
		"cancelledBy": derefString(cancelledBy),
	})

	s.logger.Info("schedule cancelled",
		slog.String("schedule_id", sched.ID.String()),
	)

	return sched, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Package audit records operator-relevant events (schedule transitions,
// override mutations) for after-the-fact review.
//
// Recording is fire-and-forget: an audit failure must never fail or roll
// back the operation that emitted it.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event names follow "subject.action".
type Event string

const (
	EventScheduleCreated   Event = "flag_schedule.created"
	EventScheduleApplied   Event = "flag_schedule.applied"
	EventScheduleFailed    Event = "flag_schedule.failed"
	EventScheduleCancelled Event = "flag_schedule.cancelled"
	EventOverrideAdded     Event = "flag_override.added"
	EventOverrideRemoved   Event = "flag_override.removed"
)

// Recorder is the audit sink port. Implementations must swallow their own
// failures; callers never branch on the outcome.
type Recorder interface {
	Record(ctx context.Context, event Event, metadata map[string]any)
}

var _ Recorder = (*PostgresRecorder)(nil)
var _ Recorder = NopRecorder{}

// PostgresRecorder appends events to the flag_audit_log table.
type PostgresRecorder struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresRecorder creates an audit recorder backed by the given pool.
func NewPostgresRecorder(db *pgxpool.Pool, logger *slog.Logger) *PostgresRecorder {
	if db == nil {
		panic("audit: database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRecorder{db: db, logger: logger}
}

// Record appends one event. Failures are logged and dropped.
func (r *PostgresRecorder) Record(ctx context.Context, event Event, metadata map[string]any) {
	payload, err := json.Marshal(metadata)
	if err != nil {
		r.logger.Warn("failed to encode audit metadata",
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
		return
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO flag_audit_log (id, event, metadata, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.New(), string(event), payload, time.Now().UTC(),
	)
	if err != nil {
		r.logger.Warn("failed to record audit event",
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
	}
}

// NopRecorder discards every event. Used in tests and minimal deployments.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event, map[string]any) {}

package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time check to verify that PostgresStore implements Repository.
var _ Repository = (*PostgresStore)(nil)

// Repository defines persistence operations for schedules, including the
// locking query used for claiming work.
type Repository interface {
	// Create inserts a new schedule and populates id and timestamps.
	Create(ctx context.Context, s *Schedule) error

	// FindByID fetches a single schedule. Returns ErrNotFound when absent.
	FindByID(ctx context.Context, id uuid.UUID) (*Schedule, error)

	// FindAllByFlag returns every schedule targeting the flag, newest first.
	FindAllByFlag(ctx context.Context, flagID uuid.UUID) ([]*Schedule, error)

	// ClaimDue atomically claims up to limit due schedules: rows that are
	// pending and past scheduledAt, or failed with a due nextRetryAt. A
	// terminal failure has nextRetryAt cleared and is never claimed again.
	// Retry-ready rows come first (earliest nextRetryAt, then earliest
	// scheduledAt). Claimed rows stay locked until the returned
	// Claim is closed; rows locked by a concurrent claimer are skipped, so
	// overlapping invocations divide the claimable set instead of queuing.
	ClaimDue(ctx context.Context, limit int) (Claim, error)

	// Cancel transitions a pending schedule to cancelled, stamping
	// cancelledBy/cancelledAt. Returns ErrNotFound for an unknown id and
	// ErrAlreadyApplied once the schedule is applied, cancelled, or failed.
	Cancel(ctx context.Context, id uuid.UUID, cancelledBy *string) (*Schedule, error)
}

// Claim holds claimed schedules and the transaction keeping their row locks.
// Bookkeeping writes go through the claim so they ride the same transaction;
// Close commits, releasing the locks. A claim abandoned by a crash rolls
// back and its rows become claimable again.
type Claim interface {
	// Schedules returns the claimed rows in claim priority order.
	Schedules() []*Schedule

	// MarkApplied transitions the schedule to applied, stamping appliedAt and
	// clearing stale retry fields (nextRetryAt, lastError).
	MarkApplied(ctx context.Context, id uuid.UUID, appliedAt time.Time) error

	// MarkFailed transitions the schedule to failed with the given retry
	// bookkeeping. A nil nextRetryAt makes the failure terminal.
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt *time.Time, lastError string) error

	// Close commits the claiming transaction, releasing the row locks.
	Close(ctx context.Context) error

	// Rollback abandons the claim. Safe to call after Close.
	Rollback(ctx context.Context)
}

// PostgresStore is the Repository implementation backed by PostgreSQL.
// Claiming relies on SELECT ... FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new repository instance with the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("schedule: database pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

const scheduleColumns = `id, flag_id, scheduled_at, status, updates, applied_at, error_message,
	retry_count, max_retries, next_retry_at, last_error, created_by, cancelled_by, cancelled_at,
	created_at, updated_at`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var (
		s       Schedule
		updates []byte
	)
	err := row.Scan(
		&s.ID,
		&s.FlagID,
		&s.ScheduledAt,
		&s.Status,
		&updates,
		&s.AppliedAt,
		&s.ErrorMessage,
		&s.RetryCount,
		&s.MaxRetries,
		&s.NextRetryAt,
		&s.LastError,
		&s.CreatedBy,
		&s.CancelledBy,
		&s.CancelledAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan schedule row: %w", err)
	}

	if err := json.Unmarshal(updates, &s.Updates); err != nil {
		return nil, fmt.Errorf("failed to decode schedule updates: %w", err)
	}

	return &s, nil
}

// Create inserts a new schedule.
func (r *PostgresStore) Create(ctx context.Context, s *Schedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	s.MaxRetries = ClampMaxRetries(s.MaxRetries)

	updates, err := json.Marshal(s.Updates)
	if err != nil {
		return fmt.Errorf("failed to encode schedule updates: %w", err)
	}

	query := `
		INSERT INTO flag_schedules (id, flag_id, scheduled_at, status, updates, max_retries, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		s.ID,
		s.FlagID,
		s.ScheduledAt,
		s.Status,
		updates,
		s.MaxRetries,
		s.CreatedBy,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}

	return nil
}

// FindByID fetches a single schedule.
func (r *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM flag_schedules WHERE id = $1`
	return scanSchedule(r.db.QueryRow(ctx, query, id))
}

// FindAllByFlag returns every schedule targeting the flag, newest first.
func (r *PostgresStore) FindAllByFlag(ctx context.Context, flagID uuid.UUID) ([]*Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM flag_schedules
		WHERE flag_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, flagID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

func collectSchedules(rows pgx.Rows) ([]*Schedule, error) {
	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return schedules, nil
}

// claimQuery selects due work and locks it for the claiming transaction.
//
// SKIP LOCKED is the piece that lets an arbitrary number of workers run the
// processor concurrently: a row locked by one claimer is invisible to the
// others, so overlapping claims partition the due set with no duplicates.
// Retry-ready rows are prioritized ahead of fresh pending rows.
const claimQuery = `
	SELECT ` + scheduleColumns + `
	FROM flag_schedules
	WHERE (status = 'pending' AND scheduled_at <= now())
	   OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= now())
	ORDER BY CASE WHEN status = 'failed' THEN 0 ELSE 1 END,
	         next_retry_at ASC NULLS LAST,
	         scheduled_at ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
`

// ClaimDue claims up to limit due schedules inside a new transaction.
func (r *PostgresStore) ClaimDue(ctx context.Context, limit int) (Claim, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}

	rows, err := tx.Query(ctx, claimQuery, limit)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to claim due schedules: %w", err)
	}

	schedules, err := collectSchedules(rows)
	rows.Close()
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	return &postgresClaim{tx: tx, schedules: schedules}, nil
}

// Cancel transitions a pending schedule to cancelled.
// Cancellation is deliberately blocked on any failed status, including
// retry-pending failures, to avoid racing the processor over the same row.
func (r *PostgresStore) Cancel(ctx context.Context, id uuid.UUID, cancelledBy *string) (*Schedule, error) {
	query := `
		UPDATE flag_schedules
		SET status = 'cancelled', cancelled_by = $2, cancelled_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + scheduleColumns

	s, err := scanSchedule(r.db.QueryRow(ctx, query, id, cancelledBy))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to cancel schedule: %w", err)
	}

	// No pending row matched: distinguish "unknown id" from "not cancellable".
	existing, findErr := r.FindByID(ctx, id)
	if findErr != nil {
		return nil, findErr
	}
	return existing, ErrAlreadyApplied
}

// postgresClaim keeps the claiming transaction open so the row locks hold
// until Close.
type postgresClaim struct {
	tx        pgx.Tx
	schedules []*Schedule
}

func (c *postgresClaim) Schedules() []*Schedule { return c.schedules }

func (c *postgresClaim) MarkApplied(ctx context.Context, id uuid.UUID, appliedAt time.Time) error {
	_, err := c.tx.Exec(ctx, `
		UPDATE flag_schedules
		SET status = 'applied', applied_at = $2, next_retry_at = NULL, last_error = NULL, updated_at = now()
		WHERE id = $1
	`, id, appliedAt)
	if err != nil {
		return fmt.Errorf("failed to mark schedule applied: %w", err)
	}
	return nil
}

func (c *postgresClaim) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt *time.Time, lastError string) error {
	_, err := c.tx.Exec(ctx, `
		UPDATE flag_schedules
		SET status = 'failed', retry_count = $2, next_retry_at = $3,
		    last_error = $4, error_message = $4, updated_at = now()
		WHERE id = $1
	`, id, retryCount, nextRetryAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to mark schedule failed: %w", err)
	}
	return nil
}

func (c *postgresClaim) Close(ctx context.Context) error {
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit claim: %w", err)
	}
	return nil
}

func (c *postgresClaim) Rollback(ctx context.Context) {
	// Rollback after a successful commit is a no-op error; ignore it.
	_ = c.tx.Rollback(ctx)
}

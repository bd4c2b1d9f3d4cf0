// Package schedule implements scheduled flag mutations: persistence with
// row-level claiming, the periodic processor, and retry bookkeeping.
package schedule

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/michael-menard/rollout/internal/store"
)

// Status is the lifecycle state of a schedule.
//
// pending -> applied               success
// pending -> failed                first failure (retry-pending while budget remains)
// failed  -> failed                repeated failure, retryCount incremented
// failed  -> applied               eventual success
// pending -> cancelled             operator action
//
// applied and cancelled are terminal. failed becomes terminal once the retry
// budget is exhausted (nextRetryAt cleared) or the target flag disappears.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApplied   Status = "applied"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Retry budget bounds. MaxRetries on a schedule is clamped to [0, MaxRetriesCeiling].
const (
	DefaultMaxRetries = 3
	MaxRetriesCeiling = 10
)

// Sentinel errors for the schedule management path.
var (
	// ErrNotFound indicates the schedule id is unknown.
	ErrNotFound = errors.New("schedule: not found")

	// ErrInvalidFlag indicates the schedule references a nonexistent flag,
	// either at creation time or at application time.
	ErrInvalidFlag = errors.New("schedule: invalid flag")

	// ErrAlreadyApplied indicates a cancel attempt on a schedule that is no
	// longer cancellable (applied, already cancelled, or failed).
	ErrAlreadyApplied = errors.New("schedule: already applied")
)

// Schedule is one pending or processed flag mutation.
type Schedule struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	FlagID       uuid.UUID       `db:"flag_id" json:"flagId"`
	ScheduledAt  time.Time       `db:"scheduled_at" json:"scheduledAt"`
	Status       Status          `db:"status" json:"status"`
	Updates      store.FlagPatch `db:"updates" json:"updates"`
	AppliedAt    *time.Time      `db:"applied_at" json:"appliedAt,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"errorMessage,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retryCount"`
	MaxRetries   int             `db:"max_retries" json:"maxRetries"`
	NextRetryAt  *time.Time      `db:"next_retry_at" json:"nextRetryAt,omitempty"`
	LastError    *string         `db:"last_error" json:"lastError,omitempty"`
	CreatedBy    *string         `db:"created_by" json:"createdBy,omitempty"`
	CancelledBy  *string         `db:"cancelled_by" json:"cancelledBy,omitempty"`
	CancelledAt  *time.Time      `db:"cancelled_at" json:"cancelledAt,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updatedAt"`
}

// RetriesRemaining reports whether the schedule still has retry budget.
func (s *Schedule) RetriesRemaining() bool {
	return s.RetryCount < s.MaxRetries
}

// ClampMaxRetries normalizes a caller-supplied retry budget into the
// permitted range, applying the default when unset (negative).
func ClampMaxRetries(n int) int {
	if n < 0 {
		return DefaultMaxRetries
	}
	if n > MaxRetriesCeiling {
		return MaxRetriesCeiling
	}
	return n
}

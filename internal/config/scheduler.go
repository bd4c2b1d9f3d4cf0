package config

import "time"

// SchedulerConfig contains configuration for the schedule processor worker.
type SchedulerConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`

	// Interval is the cadence of processor runs. Runs are idempotent and
	// safe to overlap across worker instances.
	Interval time.Duration `envconfig:"INTERVAL" default:"1m" validate:"gte=1s"`

	// ClaimLimit is the maximum number of due schedules claimed per run.
	ClaimLimit int `envconfig:"CLAIM_LIMIT" default:"100" validate:"min=1"`

	// DefaultMaxRetries is applied to schedules created without an explicit
	// retry budget.
	DefaultMaxRetries int `envconfig:"DEFAULT_MAX_RETRIES" default:"3" validate:"min=0,max=10"`
}

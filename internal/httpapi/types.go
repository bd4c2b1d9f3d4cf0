// Package httpapi implements the REST surface over the evaluation engine,
// override manager and schedule service. It handles HTTP routing, request
// decoding, validation, and response formatting; all domain decisions live
// below it.
package httpapi

import (
	"regexp"
	"strings"
	"time"

	"github.com/michael-menard/rollout/internal/engine"
	"github.com/michael-menard/rollout/internal/schedule"
	"github.com/michael-menard/rollout/internal/store"
)

// flagKeyRegex ensures keys are URL-safe slugs (lowercase, numbers, hyphens,
// underscores). Compiled once at package initialization.
var flagKeyRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

// validateFlagKey enforces the format and length rules for the flag key.
func validateFlagKey(key string) *ErrorResponse {
	if key == "" {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "flagKey is required",
		}
	}
	if len(key) > 255 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "flagKey must be at most 255 characters",
		}
	}
	if !flagKeyRegex.MatchString(key) {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "flagKey must contain only lowercase letters, numbers, hyphens and underscores",
		}
	}
	return nil
}

func validateRolloutPercentage(pct int) *ErrorResponse {
	if pct < 0 || pct > 100 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "rolloutPercentage must be between 0 and 100",
		}
	}
	return nil
}

// CreateFlagRequest defines the payload for creating a new flag.
type CreateFlagRequest struct {
	// FlagKey is required and immutable. Matches '^[a-z0-9_-]+$'.
	FlagKey string `json:"flagKey"`

	// Environment defaults to "production" if omitted.
	Environment string `json:"environment,omitempty"`

	// Enabled defaults to false if omitted.
	Enabled bool `json:"enabled"`

	// RolloutPercentage defaults to 0 if omitted.
	RolloutPercentage int `json:"rolloutPercentage"`

	// Description is optional.
	Description string `json:"description,omitempty"`
}

// Sanitize trims whitespace and normalizes the key and environment.
func (r *CreateFlagRequest) Sanitize() {
	r.FlagKey = strings.ToLower(strings.TrimSpace(r.FlagKey))
	r.Environment = strings.ToLower(strings.TrimSpace(r.Environment))
	r.Description = strings.TrimSpace(r.Description)
	if r.Environment == "" {
		r.Environment = engine.DefaultEnvironment
	}
}

// Validate checks the request against business rules.
// It returns a structured *ErrorResponse if validation fails, or nil if valid.
func (r *CreateFlagRequest) Validate() *ErrorResponse {
	if err := validateFlagKey(r.FlagKey); err != nil {
		return err
	}
	return validateRolloutPercentage(r.RolloutPercentage)
}

// UpdateFlagRequest defines the payload for partial updates (PATCH).
// Pointers distinguish "missing field" (do nothing) from an explicit
// update to the zero value.
type UpdateFlagRequest struct {
	Enabled           *bool   `json:"enabled,omitempty"`
	RolloutPercentage *int    `json:"rolloutPercentage,omitempty"`
	Description       *string `json:"description,omitempty"`
}

// Validate checks the provided fields against business rules.
func (r *UpdateFlagRequest) Validate() *ErrorResponse {
	if r.RolloutPercentage != nil {
		if err := validateRolloutPercentage(*r.RolloutPercentage); err != nil {
			return err
		}
	}
	return nil
}

// Patch converts the request to the domain patch type.
func (r *UpdateFlagRequest) Patch() store.FlagPatch {
	return store.FlagPatch{
		Enabled:           r.Enabled,
		RolloutPercentage: r.RolloutPercentage,
		Description:       r.Description,
	}
}

// EvaluateResponse is the answer to a single-flag evaluation query.
type EvaluateResponse struct {
	FlagKey     string `json:"flagKey"`
	UserID      string `json:"userId,omitempty"`
	Environment string `json:"environment"`
	Enabled     bool   `json:"enabled"`
}

// EvaluateAllResponse is the answer to a batch evaluation query.
type EvaluateAllResponse struct {
	UserID      string          `json:"userId,omitempty"`
	Environment string          `json:"environment"`
	Flags       map[string]bool `json:"flags"`
}

// AddOverrideRequest defines the payload for adding a user override.
type AddOverrideRequest struct {
	UserID       string  `json:"userId"`
	OverrideType string  `json:"overrideType"`
	Reason       *string `json:"reason,omitempty"`
	CreatedBy    *string `json:"createdBy,omitempty"`
}

// Sanitize trims whitespace and normalizes the override type.
func (r *AddOverrideRequest) Sanitize() {
	r.UserID = strings.TrimSpace(r.UserID)
	r.OverrideType = strings.ToLower(strings.TrimSpace(r.OverrideType))
}

// Validate checks the request against business rules.
func (r *AddOverrideRequest) Validate() *ErrorResponse {
	if r.UserID == "" {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "userId is required",
		}
	}
	if !store.OverrideType(r.OverrideType).Valid() {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "overrideType must be 'include' or 'exclude'",
		}
	}
	return nil
}

// CreateScheduleRequest defines the payload for scheduling a flag mutation.
type CreateScheduleRequest struct {
	// ScheduledAt is when the mutation becomes due. RFC 3339.
	ScheduledAt time.Time `json:"scheduledAt"`

	// Updates is the patch applied when the schedule fires. At least one
	// field must be present.
	Updates UpdateFlagRequest `json:"updates"`

	// MaxRetries caps transient-failure retries. Omitted means the default.
	MaxRetries *int `json:"maxRetries,omitempty"`

	// CreatedBy is an optional operator identity for the audit trail.
	CreatedBy *string `json:"createdBy,omitempty"`
}

// Validate checks the request against business rules.
func (r *CreateScheduleRequest) Validate() *ErrorResponse {
	if r.ScheduledAt.IsZero() {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "scheduledAt is required (RFC 3339)",
		}
	}
	if r.Updates.Patch().IsEmpty() {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "updates must set at least one of enabled, rolloutPercentage, description",
		}
	}
	if err := r.Updates.Validate(); err != nil {
		return err
	}
	if r.MaxRetries != nil && (*r.MaxRetries < 0 || *r.MaxRetries > schedule.MaxRetriesCeiling) {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "maxRetries must be between 0 and 10",
		}
	}
	return nil
}

// Input converts the request to the domain input type.
func (r *CreateScheduleRequest) Input() schedule.CreateInput {
	maxRetries := -1 // negative means "apply the default"
	if r.MaxRetries != nil {
		maxRetries = *r.MaxRetries
	}
	return schedule.CreateInput{
		ScheduledAt: r.ScheduledAt,
		Updates:     r.Updates.Patch(),
		MaxRetries:  maxRetries,
		CreatedBy:   r.CreatedBy,
	}
}

// CancelScheduleRequest defines the optional payload for cancellation.
type CancelScheduleRequest struct {
	CancelledBy *string `json:"cancelledBy,omitempty"`
}

// ScheduleListResponse wraps a flag's schedules.
type ScheduleListResponse struct {
	Schedules []*schedule.Schedule `json:"schedules"`
}

// FlagListResponse wraps an environment's flags.
type FlagListResponse struct {
	Flags []*store.Flag `json:"flags"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// Package store provides the data access layer for the rollout application.
// It handles all direct interactions with the PostgreSQL database using the
// pgx driver.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time check to verify that PostgresFlagStore implements FlagRepository.
var _ FlagRepository = (*PostgresFlagStore)(nil)

// Flag represents the database schema for a feature flag.
// A flag is identified by the (flag_key, environment) pair.
type Flag struct {
	ID                uuid.UUID `db:"id" json:"id"`
	FlagKey           string    `db:"flag_key" json:"flagKey"`
	Environment       string    `db:"environment" json:"environment"`
	Enabled           bool      `db:"enabled" json:"enabled"`
	RolloutPercentage int       `db:"rollout_percentage" json:"rolloutPercentage"`
	Description       string    `db:"description" json:"description"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

// FlagPatch is a partial update applied to a flag. Nil fields are untouched.
// It is also the payload stored on a schedule and applied when the schedule
// becomes due.
type FlagPatch struct {
	Enabled           *bool   `json:"enabled,omitempty"`
	RolloutPercentage *int    `json:"rolloutPercentage,omitempty"`
	Description       *string `json:"description,omitempty"`
}

// IsEmpty reports whether the patch would change nothing.
func (p FlagPatch) IsEmpty() bool {
	return p.Enabled == nil && p.RolloutPercentage == nil && p.Description == nil
}

// FlagRepository defines the interface for flag persistence operations.
// Using an interface allows for dependency injection and easier mocking in tests.
type FlagRepository interface {
	// Create inserts a new flag and populates the ID and timestamps in the struct.
	Create(ctx context.Context, f *Flag) error

	// FindByKey fetches a single flag by its (key, environment) identity.
	// Returns ErrNotFound when absent.
	FindByKey(ctx context.Context, key, environment string) (*Flag, error)

	// FindByID fetches a single flag by primary key. Returns ErrNotFound when absent.
	FindByID(ctx context.Context, id uuid.UUID) (*Flag, error)

	// FindAllByEnvironment returns every flag in the environment.
	FindAllByEnvironment(ctx context.Context, environment string) ([]*Flag, error)

	// Update applies a partial patch to the flag identified by (key, environment)
	// and returns the updated row. Returns ErrNotFound when absent.
	Update(ctx context.Context, key, environment string, patch FlagPatch) (*Flag, error)

	// UpdateByID applies a partial patch to the flag identified by primary key.
	// Used by the schedule processor, which addresses flags by id.
	UpdateByID(ctx context.Context, id uuid.UUID, patch FlagPatch) (*Flag, error)

	// Delete removes the flag. Overrides cascade at the schema level.
	Delete(ctx context.Context, key, environment string) error
}

// PostgresFlagStore is the implementation of FlagRepository backed by PostgreSQL.
type PostgresFlagStore struct {
	db *pgxpool.Pool
}

// NewPostgresFlagStore creates a new repository instance with the given connection pool.
func NewPostgresFlagStore(db *pgxpool.Pool) *PostgresFlagStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresFlagStore{db: db}
}

const flagColumns = `id, flag_key, environment, enabled, rollout_percentage, description, created_at, updated_at`

func scanFlag(row pgx.Row) (*Flag, error) {
	var f Flag
	err := row.Scan(
		&f.ID,
		&f.FlagKey,
		&f.Environment,
		&f.Enabled,
		&f.RolloutPercentage,
		&f.Description,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan flag row: %w", err)
	}
	return &f, nil
}

// Create inserts a new flag into the database.
// It uses the RETURNING clause to get the server-generated timestamps efficiently.
func (s *PostgresFlagStore) Create(ctx context.Context, f *Flag) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}

	query := `
		INSERT INTO feature_flags (id, flag_key, environment, enabled, rollout_percentage, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRow(ctx, query,
		f.ID,
		f.FlagKey,
		f.Environment,
		f.Enabled,
		f.RolloutPercentage,
		f.Description,
	).Scan(&f.CreatedAt, &f.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("flag %q already exists in environment %q: %w", f.FlagKey, f.Environment, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert flag: %w", err)
	}

	return nil
}

// FindByKey fetches a flag by its (key, environment) identity.
func (s *PostgresFlagStore) FindByKey(ctx context.Context, key, environment string) (*Flag, error) {
	query := `SELECT ` + flagColumns + ` FROM feature_flags WHERE flag_key = $1 AND environment = $2`
	return scanFlag(s.db.QueryRow(ctx, query, key, environment))
}

// FindByID fetches a flag by primary key.
func (s *PostgresFlagStore) FindByID(ctx context.Context, id uuid.UUID) (*Flag, error) {
	query := `SELECT ` + flagColumns + ` FROM feature_flags WHERE id = $1`
	return scanFlag(s.db.QueryRow(ctx, query, id))
}

// FindAllByEnvironment returns every flag in the environment, newest first.
func (s *PostgresFlagStore) FindAllByEnvironment(ctx context.Context, environment string) ([]*Flag, error) {
	query := `
		SELECT ` + flagColumns + `
		FROM feature_flags
		WHERE environment = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.Query(ctx, query, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	var flags []*Flag
	for rows.Next() {
		var f Flag
		if err := rows.Scan(
			&f.ID,
			&f.FlagKey,
			&f.Environment,
			&f.Enabled,
			&f.RolloutPercentage,
			&f.Description,
			&f.CreatedAt,
			&f.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan flag row: %w", err)
		}
		flags = append(flags, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return flags, nil
}

// Update applies a partial patch addressed by (key, environment).
func (s *PostgresFlagStore) Update(ctx context.Context, key, environment string, patch FlagPatch) (*Flag, error) {
	where := `flag_key = $1 AND environment = $2`
	return s.update(ctx, where, []any{key, environment}, patch)
}

// UpdateByID applies a partial patch addressed by primary key.
func (s *PostgresFlagStore) UpdateByID(ctx context.Context, id uuid.UUID, patch FlagPatch) (*Flag, error) {
	return s.update(ctx, `id = $1`, []any{id}, patch)
}

// update builds the SET clause dynamically so untouched columns keep their
// values. The WHERE placeholders come first, patch placeholders follow.
func (s *PostgresFlagStore) update(ctx context.Context, where string, whereArgs []any, patch FlagPatch) (*Flag, error) {
	sets := make([]string, 0, 4)
	args := append([]any{}, whereArgs...)

	addSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Enabled != nil {
		addSet("enabled", *patch.Enabled)
	}
	if patch.RolloutPercentage != nil {
		addSet("rollout_percentage", *patch.RolloutPercentage)
	}
	if patch.Description != nil {
		addSet("description", *patch.Description)
	}

	// Always bump updated_at, even for an empty patch, so the write is observable.
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf(
		`UPDATE feature_flags SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "),
		where,
		flagColumns,
	)

	flag, err := scanFlag(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update flag: %w", err)
	}
	return flag, nil
}

// Delete removes a flag. The user_overrides FK cascades at the schema level.
func (s *PostgresFlagStore) Delete(ctx context.Context, key, environment string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM feature_flags WHERE flag_key = $1 AND environment = $2`,
		key, environment,
	)
	if err != nil {
		return fmt.Errorf("failed to delete flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

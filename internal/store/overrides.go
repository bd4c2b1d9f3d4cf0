package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ OverrideRepository = (*PostgresOverrideStore)(nil)

// OverrideType discriminates explicit per-user targeting.
type OverrideType string

const (
	// OverrideInclude forces the flag on for the user.
	OverrideInclude OverrideType = "include"
	// OverrideExclude forces the flag off for the user. Exclusion always
	// dominates inclusion when both are present.
	OverrideExclude OverrideType = "exclude"
)

// Valid reports whether the override type is one of the known values.
func (t OverrideType) Valid() bool {
	return t == OverrideInclude || t == OverrideExclude
}

// UserOverride pins a single user in or out of a flag, bypassing the
// percentage rollout. Identified by the (flag_id, user_id) pair.
type UserOverride struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	FlagID       uuid.UUID    `db:"flag_id" json:"flagId"`
	UserID       string       `db:"user_id" json:"userId"`
	OverrideType OverrideType `db:"override_type" json:"overrideType"`
	Reason       *string      `db:"reason" json:"reason,omitempty"`
	CreatedBy    *string      `db:"created_by" json:"createdBy,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
}

// OverrideInput carries the caller-supplied fields for an upsert.
type OverrideInput struct {
	UserID       string
	OverrideType OverrideType
	Reason       *string
	CreatedBy    *string
}

// OverrideRepository defines persistence operations for user overrides.
type OverrideRepository interface {
	// Upsert inserts the override or, when (flag_id, user_id) already exists,
	// updates its type/reason/created_by in place.
	Upsert(ctx context.Context, flagID uuid.UUID, in OverrideInput) (*UserOverride, error)

	// Delete removes the override. Returns ErrNotFound when absent.
	Delete(ctx context.Context, flagID uuid.UUID, userID string) error

	// FindByFlagAndUser fetches a single override. Returns ErrNotFound when absent.
	FindByFlagAndUser(ctx context.Context, flagID uuid.UUID, userID string) (*UserOverride, error)

	// FindAllByFlag returns one page of overrides for the flag, newest first,
	// plus the total count for pagination metadata.
	FindAllByFlag(ctx context.Context, flagID uuid.UUID, limit, offset int) ([]*UserOverride, int64, error)

	// FindByUserAndFlagIDs returns the user's overrides across the given
	// flags in one query, keyed by flag id. Used by batch evaluation.
	FindByUserAndFlagIDs(ctx context.Context, userID string, flagIDs []uuid.UUID) (map[uuid.UUID]*UserOverride, error)

	// DeleteAllByFlag removes every override belonging to the flag.
	DeleteAllByFlag(ctx context.Context, flagID uuid.UUID) error
}

// PostgresOverrideStore is the OverrideRepository implementation backed by PostgreSQL.
type PostgresOverrideStore struct {
	db *pgxpool.Pool
}

// NewPostgresOverrideStore creates a new repository instance with the given connection pool.
func NewPostgresOverrideStore(db *pgxpool.Pool) *PostgresOverrideStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresOverrideStore{db: db}
}

const overrideColumns = `id, flag_id, user_id, override_type, reason, created_by, created_at`

func scanOverride(row pgx.Row) (*UserOverride, error) {
	var o UserOverride
	err := row.Scan(
		&o.ID,
		&o.FlagID,
		&o.UserID,
		&o.OverrideType,
		&o.Reason,
		&o.CreatedBy,
		&o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan override row: %w", err)
	}
	return &o, nil
}

// Upsert relies on the (flag_id, user_id) unique constraint: a repeat call
// for the same pair updates type/reason instead of erroring.
func (s *PostgresOverrideStore) Upsert(ctx context.Context, flagID uuid.UUID, in OverrideInput) (*UserOverride, error) {
	query := `
		INSERT INTO user_overrides (id, flag_id, user_id, override_type, reason, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (flag_id, user_id) DO UPDATE
		SET override_type = EXCLUDED.override_type,
		    reason = EXCLUDED.reason,
		    created_by = EXCLUDED.created_by
		RETURNING ` + overrideColumns

	override, err := scanOverride(s.db.QueryRow(ctx, query,
		uuid.New(),
		flagID,
		in.UserID,
		in.OverrideType,
		in.Reason,
		in.CreatedBy,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert override: %w", err)
	}
	return override, nil
}

// Delete removes a single override.
func (s *PostgresOverrideStore) Delete(ctx context.Context, flagID uuid.UUID, userID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM user_overrides WHERE flag_id = $1 AND user_id = $2`,
		flagID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByFlagAndUser fetches a single override.
func (s *PostgresOverrideStore) FindByFlagAndUser(ctx context.Context, flagID uuid.UUID, userID string) (*UserOverride, error) {
	query := `SELECT ` + overrideColumns + ` FROM user_overrides WHERE flag_id = $1 AND user_id = $2`
	return scanOverride(s.db.QueryRow(ctx, query, flagID, userID))
}

// FindAllByFlag returns a page of overrides for the flag, newest first.
// It executes two queries: one for the total count and one for the page.
func (s *PostgresOverrideStore) FindAllByFlag(ctx context.Context, flagID uuid.UUID, limit, offset int) ([]*UserOverride, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM user_overrides WHERE flag_id = $1`, flagID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count overrides: %w", err)
	}

	if total == 0 {
		return []*UserOverride{}, 0, nil
	}

	query := `
		SELECT ` + overrideColumns + `
		FROM user_overrides
		WHERE flag_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, flagID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	overrides := make([]*UserOverride, 0, limit)
	for rows.Next() {
		var o UserOverride
		if err := rows.Scan(
			&o.ID,
			&o.FlagID,
			&o.UserID,
			&o.OverrideType,
			&o.Reason,
			&o.CreatedBy,
			&o.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan override row: %w", err)
		}
		overrides = append(overrides, &o)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration error: %w", err)
	}

	return overrides, total, nil
}

// FindByUserAndFlagIDs fetches the user's overrides across many flags at once.
func (s *PostgresOverrideStore) FindByUserAndFlagIDs(ctx context.Context, userID string, flagIDs []uuid.UUID) (map[uuid.UUID]*UserOverride, error) {
	result := make(map[uuid.UUID]*UserOverride, len(flagIDs))
	if len(flagIDs) == 0 {
		return result, nil
	}

	query := `SELECT ` + overrideColumns + ` FROM user_overrides WHERE user_id = $1 AND flag_id = ANY($2)`

	rows, err := s.db.Query(ctx, query, userID, flagIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides by user: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o UserOverride
		if err := rows.Scan(
			&o.ID,
			&o.FlagID,
			&o.UserID,
			&o.OverrideType,
			&o.Reason,
			&o.CreatedBy,
			&o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan override row: %w", err)
		}
		result[o.FlagID] = &o
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return result, nil
}

// DeleteAllByFlag removes every override for the flag. Absence is not an error.
func (s *PostgresOverrideStore) DeleteAllByFlag(ctx context.Context, flagID uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM user_overrides WHERE flag_id = $1`, flagID); err != nil {
		return fmt.Errorf("failed to delete overrides for flag: %w", err)
	}
	return nil
}

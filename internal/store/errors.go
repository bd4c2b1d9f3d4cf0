package store

import "errors"

// Sentinel errors returned by the persistence layer. Callers branch with
// errors.Is rather than matching message text.
var (
	// ErrNotFound indicates the requested flag or override does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey indicates a unique constraint violation
	// (flag key already exists in the environment).
	ErrDuplicateKey = errors.New("store: duplicate key")
)

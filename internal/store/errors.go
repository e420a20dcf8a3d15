package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for common store conditions.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a unique constraint violation or conflicting
	// state.
	ErrConflict = errors.New("conflict")

	// ErrTxDone indicates Commit/Rollback was called on a finished
	// transaction.
	ErrTxDone = errors.New("transaction already finished")

	// ErrNoTransaction is returned for a Commit/Rollback with no
	// transaction in progress (the wire-visible message is fixed).
	ErrNoTransaction = errors.New("There is no transaction in progress.")
)

// wrapDBError wraps a database error with operation context and converts
// sql.ErrNoRows to ErrNotFound for consistent handling upstream.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// wrapDBErrorf is wrapDBError with a formatted operation string.
func wrapDBErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	op := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Package store provides the PostgreSQL-backed event and alert store.
package store

import (
	"errors"
	"fmt"
)

// Store error categories. Validation and not-found errors surface to the
// caller; persistence errors degrade gracefully further up the pipeline.
var (
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("store: validation failed")

	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyAssessed indicates an assessment is already attached to the event.
	ErrAlreadyAssessed = errors.New("store: event already assessed")

	// ErrPersistence indicates a datastore read or write failure.
	ErrPersistence = errors.New("store: persistence failure")
)

// StoreError wraps store errors with operation context.
type StoreError struct {
	Op    string // Operation that failed (e.g., "AppendEvent", "CreateAlert")
	Table string // Table involved, if applicable
	Err   error  // Underlying error
}

// Error returns the error message.
func (e *StoreError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("store.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("store.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// WrapValidationError wraps an error as a validation error.
func WrapValidationError(op string, err error) error {
	return &StoreError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrValidation, err),
	}
}

// WrapPersistenceError wraps an error as a persistence error.
func WrapPersistenceError(op, table string, err error) error {
	return &StoreError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %v", ErrPersistence, err),
	}
}

// WrapNotFoundError wraps an error as a not found error.
func WrapNotFoundError(op, table, id string) error {
	return &StoreError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: id=%s", ErrNotFound, id),
	}
}

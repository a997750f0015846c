package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates rejected input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition indicates an illegal lifecycle or payment-status move.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrImmutableRecord indicates an attempt to mutate a frozen record.
	ErrImmutableRecord = errors.New("record is immutable")
	// ErrConflict indicates a numbering collision detected at insert time.
	ErrConflict = errors.New("conflict")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

// Unwrap lets errors.Is match ErrNotFound.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// Immutable reports why a record cannot be changed.
func Immutable(reason string) error {
	return fmt.Errorf("%w: %s", ErrImmutableRecord, reason)
}

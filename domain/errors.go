package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before reaching the store.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for missing documents and for tasks the caller may not see.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable marks a failed call to the document store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StoreUnavailableError wraps a document store failure for the named operation.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// Unavailable wraps err as a StoreUnavailableError for op.
func Unavailable(op string, err error) error {
	return &StoreUnavailableError{Op: op, Err: err}
}

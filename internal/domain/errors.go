package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRecorded is returned by the ledger when an entry for the same
	// (user, slot, method) already exists.
	ErrAlreadyRecorded = errors.New("alert already recorded")
)

// StorageError wraps a failure of the underlying store. Retryable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError reports malformed subscription or slot input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthorizationError reports an attempt to touch another user's resource.
type AuthorizationError struct {
	UserID   string
	Resource string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s may not access %s", e.UserID, e.Resource)
}

// ProviderError wraps a push or email provider failure.
type ProviderError struct {
	Provider  string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string { return fmt.Sprintf("%s: %v", e.Provider, e.Err) }
func (e *ProviderError) Unwrap() error { return e.Err }

// TimeoutError reports a bounded wait that ran out.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s timed out", e.Op) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// WrapStorage converts a raw store error into the taxonomy. Sentinels and
// already-typed errors pass through; deadline errors become TimeoutError.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyRecorded) {
		return err
	}
	var se *StorageError
	var te *TimeoutError
	if errors.As(err, &se) || errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	return &StorageError{Op: op, Err: err}
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var se *StorageError
	var te *TimeoutError
	return errors.As(err, &se) || errors.As(err, &te)
}

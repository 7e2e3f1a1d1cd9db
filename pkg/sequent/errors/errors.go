// Package errors defines the closed error taxonomy for the sequent core.
//
// Every failure that crosses a component boundary is one of a small set of
// typed errors carrying an explicit category. Retry eligibility is decided
// by category, never by matching error message text.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: lock timeouts, broker connection resets, 503 responses.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: malformed identifiers, validation failures, not-found.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// InvalidArgumentError indicates a malformed input such as an empty entity
// identifier. Never retried.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}

// StorageError indicates a failure in the sequence counter store.
// Transient storage errors (lock timeout, deadlock, connection drop)
// are retryable under the storage profile.
type StorageError struct {
	Op        string // operation being attempted, e.g. "allocate"
	Err       error
	Transient bool
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }

// MessagingError indicates a failure emitting to or consuming from a broker.
// Transient messaging errors (connection refused/reset, channel closed)
// are retryable under the messaging profile.
type MessagingError struct {
	Op        string // e.g. "emit", "consume"
	Err       error
	Transient bool
}

// Error implements the error interface.
func (e *MessagingError) Error() string {
	return fmt.Sprintf("messaging %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *MessagingError) Unwrap() error { return e.Err }

// RemoteCallError indicates a failure calling a downstream HTTP collaborator.
type RemoteCallError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *RemoteCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote call %s: HTTP %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote call %s: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying error.
func (e *RemoteCallError) Unwrap() error { return e.Err }

// BusinessError indicates a permanent business-rule failure such as a
// validation error, not-found, or authorization failure. Never retried.
type BusinessError struct {
	Code    string // e.g. "validation", "not_found", "unauthorized"
	Message string
}

// Error implements the error interface.
func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RetryExhaustedError is raised after the configured attempt budget is
// spent. It wraps the final underlying error and states the total attempt
// count and elapsed time.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts in %s: %v",
		e.Op, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

// Unwrap returns the final underlying error.
func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// TransientStorage wraps err as a retryable storage failure.
func TransientStorage(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err, Transient: true}
}

// PermanentStorage wraps err as a non-retryable storage failure.
func PermanentStorage(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// TransientMessaging wraps err as a retryable messaging failure.
func TransientMessaging(op string, err error) *MessagingError {
	return &MessagingError{Op: op, Err: err, Transient: true}
}

// PermanentMessaging wraps err as a non-retryable messaging failure.
func PermanentMessaging(op string, err error) *MessagingError {
	return &MessagingError{Op: op, Err: err}
}

// Categorize determines how an error should be handled.
// Unknown errors are permanent (fail safe).
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	// Context errors are never worth retrying: the caller is gone.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryPermanent
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		if storageErr.Transient {
			return CategoryTransient
		}
		return CategoryPermanent
	}

	var messagingErr *MessagingError
	if errors.As(err, &messagingErr) {
		if messagingErr.Transient {
			return CategoryTransient
		}
		return CategoryPermanent
	}

	var remoteErr *RemoteCallError
	if errors.As(err, &remoteErr) {
		switch remoteErr.StatusCode {
		case 429, 502, 503, 504:
			return CategoryTransient
		case 0:
			// No response at all: connection-level failure.
			return CategoryTransient
		default:
			return CategoryPermanent
		}
	}

	var invalidErr *InvalidArgumentError
	if errors.As(err, &invalidErr) {
		return CategoryPermanent
	}

	var businessErr *BusinessError
	if errors.As(err, &businessErr) {
		return CategoryPermanent
	}

	var exhaustedErr *RetryExhaustedError
	if errors.As(err, &exhaustedErr) {
		// The budget is spent; retrying the wrapper would double-dip.
		return CategoryPermanent
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsInvalidArgument reports whether err is an InvalidArgumentError.
func IsInvalidArgument(err error) bool {
	var invalidErr *InvalidArgumentError
	return errors.As(err, &invalidErr)
}

// IsRetryExhausted reports whether err is a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var exhaustedErr *RetryExhaustedError
	return errors.As(err, &exhaustedErr)
}

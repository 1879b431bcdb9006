/*
errors.go - Error taxonomy for the points engine

PURPOSE:
  Every failure a caller can observe carries a Kind. The API layer maps
  kinds to wire codes; workflows never build HTTP statuses themselves.

ERROR CATEGORIES:
  1. Sentinel errors - stable values for errors.Is()
  2. Error - a Kind plus a caller-safe message, wrapping the cause
  3. KindOf - classifies any error, defaulting to KindInternal

PROPAGATION:
  Unauthenticated, PermissionDenied, InvalidArgument, NotFound and
  FailedPrecondition are surfaced verbatim. Internal is logged server-side
  and surfaced with an opaque message. Store conflicts are retried by the
  Transactor and only become Internal once retries are exhausted.

SEE ALSO:
  - transactor.go: Conflict retry
  - api/errors.go: Kind to HTTP mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// KINDS
// =============================================================================

type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindPermissionDenied   Kind = "permission-denied"
	KindInvalidArgument    Kind = "invalid-argument"
	KindNotFound           Kind = "not-found"
	KindFailedPrecondition Kind = "failed-precondition"
	KindInternal           Kind = "internal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrRequestNotFound = errors.New("service request not found")
	ErrRewardNotFound  = errors.New("reward not found")

	// ErrInsufficientPoints is returned when a redemption costs more than the balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrNegativeBalance is an invariant violation: a posting would drive a
	// balance below zero. Workflows check preconditions first, so reaching
	// this means a bug or a tampered store.
	ErrNegativeBalance = errors.New("balance would become negative")

	// ErrDuplicateEntry is returned when an entry's idempotency key already exists.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")

	// ErrConflict is returned by a store when a concurrent write invalidated
	// the transaction. The Transactor retries it.
	ErrConflict = errors.New("transaction conflict")

	// ErrRetriesExhausted wraps the last ErrConflict once the retry budget is spent.
	ErrRetriesExhausted = errors.New("transaction retries exhausted")

	// ErrAlreadyExists is returned by stores on insert of an existing key.
	ErrAlreadyExists = errors.New("already exists")
)

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error carries a Kind and a message that is safe to show to the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Unauthenticated(format string, args ...any) *Error {
	return newError(KindUnauthenticated, nil, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return newError(KindPermissionDenied, nil, format, args...)
}

func InvalidArgument(format string, args ...any) *Error {
	return newError(KindInvalidArgument, nil, format, args...)
}

func NotFound(err error, format string, args ...any) *Error {
	return newError(KindNotFound, err, format, args...)
}

func FailedPrecondition(err error, format string, args ...any) *Error {
	return newError(KindFailedPrecondition, err, format, args...)
}

func Internal(err error, format string, args ...any) *Error {
	return newError(KindInternal, err, format, args...)
}

// InsufficientPointsError provides details about a balance shortage.
type InsufficientPointsError struct {
	AccountID AccountID
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf classifies err. Unknown errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case IsNotFound(err):
		return KindNotFound
	case errors.Is(err, ErrInsufficientPoints):
		return KindFailedPrecondition
	}
	return KindInternal
}

// MessageOf returns the caller-safe message for err. Internal errors get a
// fixed opaque message.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	switch KindOf(err) {
	case KindNotFound:
		return err.Error()
	case KindFailedPrecondition:
		return ErrInsufficientPoints.Error()
	}
	return "an internal error occurred"
}

// IsRetryable returns true if the error might succeed on retry without
// any change from the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrRetriesExhausted)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrRewardNotFound)
}

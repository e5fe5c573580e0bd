// Package vaulterr defines the typed error taxonomy shared across the
// kernel, sync engine, and CLI (data-model ยง7). Every mutating operation
// that fails surfaces one of these kinds, wrapped with package-qualified
// context via fmt.Errorf("%w", ...).
package vaulterr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for callers that need to branch on it
// (e.g. unlink treating NotFound as an idempotent no-op).
type Kind string

// Error kinds per spec ยง7.
const (
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindInvalidPath       Kind = "invalid_path"
	KindInvalidOperation  Kind = "invalid_operation"
	KindTransactionFailed Kind = "transaction_failed"
	KindPluginLoad        Kind = "plugin_load_error"
	KindStorage           Kind = "storage_error"
	KindConnection        Kind = "connection_error"
	KindSyncFailed        Kind = "sync_failed"
	KindConflict          Kind = "conflict"
)

// Error is the typed, user-visible failure surface described in ยง7: a kind,
// a message, optional structured details, a timestamp, and a retryable
// flag meaningful for connection/sync kinds.
type Error struct {
	Kind      Kind
	Message   string
	Details   map[string]any
	Timestamp time.Time
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target carries the same Kind, so callers can write
// errors.Is(err, vaulterr.New(vaulterr.KindNotFound, "")).
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}

	return te.Kind == e.Kind
}

// New constructs an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Timestamp: time.Now()}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Timestamp: time.Now(), cause: cause}
}

// WithDetails attaches structured details and returns the same error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithRetryable marks the error retryable (connection/sync kinds) and
// returns the same error for chaining.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NotFound builds a KindNotFound error naming the missing resource.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %q not found", resource, id))
}

// AlreadyExists builds a KindAlreadyExists error naming the colliding path.
func AlreadyExists(path string) *Error {
	return New(KindAlreadyExists, fmt.Sprintf("path %q already exists", path))
}

// InvalidPath builds a KindInvalidPath error.
func InvalidPath(path, reason string) *Error {
	return New(KindInvalidPath, fmt.Sprintf("invalid path %q: %s", path, reason))
}

// InvalidOperation builds a KindInvalidOperation error.
func InvalidOperation(reason string) *Error {
	return New(KindInvalidOperation, reason)
}

// IsNotFound reports whether err (or anything it wraps) is a KindNotFound error.
func IsNotFound(err error) bool {
	return hasKind(err, KindNotFound)
}

// IsAlreadyExists reports whether err is a KindAlreadyExists error.
func IsAlreadyExists(err error) bool {
	return hasKind(err, KindAlreadyExists)
}

// IsConflict reports whether err is a KindConflict error.
func IsConflict(err error) bool {
	return hasKind(err, KindConflict)
}

func hasKind(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Kind == k
}

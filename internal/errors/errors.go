// Package errors provides the error taxonomy shared by the sync subsystem.
//
// Every error that crosses a package boundary is an *AppError carrying a
// Kind (closed enumeration, switch on it exhaustively) and a Code (stable
// string for logs and the outbox UI).
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers should react to it.
type Kind int

const (
	// KindInternal is a programming or invariant error.
	KindInternal Kind = iota
	// KindValidation is raised before a network call when required data is missing.
	KindValidation
	// KindNotFound means the addressed record does not exist.
	KindNotFound
	// KindConflict is a business-rule rejection from the remote API
	// (duplicate identifier, illegal transition). The message is user-facing.
	KindConflict
	// KindTransient covers network failures, timeouts and 5xx responses.
	KindTransient
	// KindAuth means the session is missing or was rejected.
	KindAuth
	// KindOffline is returned by operations that require live connectivity.
	KindOffline
	// KindStorage means the local durable medium failed.
	KindStorage
)

var kindNames = [...]string{
	KindInternal:   "internal",
	KindValidation: "validation",
	KindNotFound:   "not_found",
	KindConflict:   "conflict",
	KindTransient:  "transient",
	KindAuth:       "auth",
	KindOffline:    "offline",
	KindStorage:    "storage",
}

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ErrorCode is a stable identifier surfaced to the UI and logs.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Queue errors
	ErrQueueDuplicate     ErrorCode = "QUEUE_DUPLICATE_ENTITY"
	ErrQueueUnknownEntity ErrorCode = "QUEUE_UNKNOWN_ENTITY_TYPE"

	// Sync errors
	ErrSyncFailed    ErrorCode = "SYNC_FAILED"
	ErrSyncConflict  ErrorCode = "SYNC_CONFLICT"
	ErrSyncAuth      ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncTimeout   ErrorCode = "SYNC_TIMEOUT"
	ErrSyncOffline   ErrorCode = "SYNC_OFFLINE"
	ErrRemoteInvalid ErrorCode = "REMOTE_INVALID_RESPONSE"
)

// AppError represents an application error with kind, code and message.
type AppError struct {
	Kind    Kind
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(kind Kind, code ErrorCode, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a kind and code.
func Wrap(kind Kind, code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if any error in the chain carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// KindOf returns the kind of the outermost AppError in the chain.
// Errors that were never classified are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTransient
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound is shorthand for IsKind(err, KindNotFound).
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// UserMessage returns the message that should be rendered to a user.
// Conflicts carry the remote message verbatim; everything else gets a
// generic description of its kind.
func UserMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "synchronization failed"
	}
	switch appErr.Kind {
	case KindConflict, KindValidation:
		return appErr.Message
	case KindAuth:
		return "session expired, please sign in again"
	case KindOffline:
		return "this action requires a network connection"
	case KindTransient:
		return "server unreachable, will retry"
	case KindNotFound:
		return "record no longer exists on the server"
	case KindStorage:
		return "local storage unavailable"
	case KindInternal:
		return "unexpected error"
	}
	return "synchronization failed"
}

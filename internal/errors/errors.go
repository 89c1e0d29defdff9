package errors

import (
	"errors"
	"fmt"
)

// KBError is the structured error type for kbindex.
// It provides rich context for error handling, logging, and user presentation.
type KBError struct {
	// Code is the unique error code (e.g., "ERR_201_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Concurrency, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Sentinels for errors.Is matching. Matching is by code only, so any KBError
// carrying the same code matches regardless of message or details.
var (
	ErrNotFound         = &KBError{Code: ErrCodeNotFound}
	ErrStorageIO        = &KBError{Code: ErrCodeStorageIO}
	ErrShardCorrupt     = &KBError{Code: ErrCodeShardCorrupt}
	ErrLockTimeout      = &KBError{Code: ErrCodeLockTimeout}
	ErrVersionConflict  = &KBError{Code: ErrCodeVersionConflict}
	ErrLeaseLost        = &KBError{Code: ErrCodeLeaseLost}
	ErrLeaseHeld        = &KBError{Code: ErrCodeLeaseHeld}
	ErrInvalidInput     = &KBError{Code: ErrCodeInvalidInput}
	ErrInvalidTopicID   = &KBError{Code: ErrCodeInvalidTopicID}
	ErrUnknownLayout    = &KBError{Code: ErrCodeUnknownLayout}
	ErrMigrationAborted = &KBError{Code: ErrCodeMigrationAborted}
)

// Error implements the error interface.
func (e *KBError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[%s]", e.Code)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *KBError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with KBError.
func (e *KBError) Is(target error) bool {
	if t, ok := target.(*KBError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *KBError) WithDetail(key, value string) *KBError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *KBError) WithSuggestion(suggestion string) *KBError {
	e.Suggestion = suggestion
	return e
}

// New creates a new KBError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *KBError {
	return &KBError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new KBError with a formatted message and no cause.
func Newf(code string, format string, args ...any) *KBError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a KBError from an existing error.
// The error's message becomes the KBError message.
func Wrap(code string, err error) *KBError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// NotFound creates a not-found error for the named object or topic.
func NotFound(what, id string) *KBError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", what, id), nil).
		WithDetail(what, id)
}

// StorageIO wraps an opaque backend failure. The cause is propagated, not interpreted.
func StorageIO(op, path string, cause error) *KBError {
	return New(ErrCodeStorageIO, fmt.Sprintf("storage %s %s failed", op, path), cause).
		WithDetail("op", op).
		WithDetail("path", path)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *KBError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *KBError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *KBError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if any KBError in the chain has the Retryable flag set.
func IsRetryable(err error) bool {
	var ke *KBError
	if errors.As(err, &ke) {
		return ke.Retryable
	}
	return false
}

// IsTransient reports whether err is a backend I/O failure worth retrying
// inside a storage adapter. Lease and version errors are never transient:
// they are the caller's to handle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageIO)
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	var ke *KBError
	if errors.As(err, &ke) {
		return ke.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the first KBError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var ke *KBError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// GetCategory extracts the category from the first KBError in the chain.
// Returns empty string if there is none.
func GetCategory(err error) Category {
	var ke *KBError
	if errors.As(err, &ke) {
		return ke.Category
	}
	return ""
}

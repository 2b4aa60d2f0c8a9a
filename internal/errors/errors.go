package errors

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Error is the structured error type surfaced by the engine core.
// Every surfaced error carries a stable code, a human message, a unique
// ErrorID for log correlation, and a timestamp.
type Error struct {
	// Code is the stable machine-readable code (e.g. "ERR_403_CONFLICT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Kind is the taxonomy bucket derived from the code.
	Kind Kind

	// ErrorID is an 8-char random hex id, unique per instance with
	// overwhelmingly high probability.
	ErrorID string

	// Timestamp records when the error was created.
	Timestamp time.Time

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error

	// Retryable indicates the sync scheduler may retry the operation.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Code, e.ErrorID, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code so errors.Is works across instances.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail. Returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// newErrorID generates the 8-char hex error id.
func newErrorID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// fall back to a constant rather than panic in an error path.
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}

// New creates an Error with the given code and message.
// Kind and retryability are derived from the code.
func New(code, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Kind:      kindFromCode(code),
		ErrorID:   newErrorID(),
		Timestamp: time.Now(),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates an Error with a formatted message.
func Newf(code string, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates an Error from an existing error, preserving it as the cause.
// Returns nil if err is nil. If err is already an *Error it is returned
// unchanged so codes assigned close to the failure are not overwritten.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return New(code, err.Error(), err)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(CodeInvalidInput, message, nil)
}

// NotFound creates a not-found error for the given entity.
func NotFound(entity, key string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", entity, key), nil).
		WithDetail("entity", entity).
		WithDetail("key", key)
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return New(CodeConflict, message, nil)
}

// Database creates a database infrastructure error.
func Database(message string, cause error) *Error {
	return New(CodeStoreQuery, message, cause)
}

// External creates an external-service infrastructure error.
func External(code, message string, cause error) *Error {
	return New(code, message, cause)
}

// Config creates a configuration error. Fatal at boot.
func Config(message string, cause error) *Error {
	return New(CodeConfigInvalid, message, cause)
}

// Internal creates an internal error.
func Internal(message string, cause error) *Error {
	return New(CodeInternal, message, cause)
}

// IsRetryable reports whether the error is a retryable *Error.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetCode extracts the code from an *Error, or "" for foreign errors.
func GetCode(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// GetKind extracts the kind from an *Error, or KindInternal for foreign errors.
func GetKind(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}

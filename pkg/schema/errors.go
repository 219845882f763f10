package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeToolDenied        = "TOOL_DENIED"
	ErrCodeLockTimeout       = "LOCK_TIMEOUT"
	ErrCodeSessionPaused     = "SESSION_PAUSED"
	ErrCodeStore             = "STORE_ERROR"
)

// ConvoError is the structured error type for all engine operations.
type ConvoError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StateName string         `json:"state_name,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ConvoError) Error() string {
	if e.StateName != "" {
		return fmt.Sprintf("[%s] state %s: %s", e.Code, e.StateName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConvoError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConvoError.
func NewError(code, message string) *ConvoError {
	return &ConvoError{Code: code, Message: message}
}

// NewErrorf creates a new ConvoError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConvoError {
	return &ConvoError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithState attaches the state name the error occurred in.
func (e *ConvoError) WithState(name string) *ConvoError {
	e.StateName = name
	return e
}

// WithCause attaches an underlying cause.
func (e *ConvoError) WithCause(err error) *ConvoError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConvoError) WithDetails(details map[string]any) *ConvoError {
	e.Details = details
	return e
}

// HasCode reports whether err is a ConvoError carrying the given code.
// Transition rejections and lock timeouts are expected outcomes, so
// callers branch on the code rather than treating every error as fatal.
func HasCode(err error, code string) bool {
	var ce *ConvoError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

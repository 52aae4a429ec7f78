package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrNotFound      = "NOT_FOUND"
	ErrTimeout       = "TIMEOUT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Flow engine error codes.
const (
	ErrDefinition    = "DEFINITION_ERROR"
	ErrUnknownState  = "UNKNOWN_STATE"
	ErrInvalidStep   = "INVALID_STEP"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrConflict      = "CONFLICT"
	ErrTaskExecution = "TASK_EXECUTION"
)

// ErrorEnvelope is the typed error returned by the engine and its stores.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`

	// Cause is the underlying error, if any. It is not serialized.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ErrorEnvelope) Unwrap() error {
	return e.Cause
}

// FieldError describes a single path-level problem, e.g. in a definition.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewTimeoutError returns a TIMEOUT error wrapping the context error.
func NewTimeoutError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTimeout, Message: msg, Cause: cause}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewDefinitionError returns a DEFINITION_ERROR with per-path details.
func NewDefinitionError(msg string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDefinition, Message: msg, Details: details}
}

// NewUnknownStateError returns an UNKNOWN_STATE error. It signals a stored
// state that the template does not declare.
func NewUnknownStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnknownState, Message: msg}
}

// NewInvalidStepError returns an INVALID_STEP error.
func NewInvalidStepError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidStep, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewTaskExecutionError returns a TASK_EXECUTION error.
func NewTaskExecutionError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTaskExecution, Message: msg, Cause: cause}
}

// CodeOf returns the code of the first ErrorEnvelope in err's chain, or ""
// if there is none.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the caller may retry the same request
// unchanged. Only lost races are retryable.
func IsRetryable(err error) bool {
	return HasCode(err, ErrConflict)
}

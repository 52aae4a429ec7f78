package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "flow not found"}
	want := "NOT_FOUND: flow not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_Error_withCause(t *testing.T) {
	e := NewTaskExecutionError("subject missing", errors.New("row absent"))
	want := "TASK_EXECUTION: subject missing: row absent"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestErrorEnvelope_Unwrap(t *testing.T) {
	e := NewTimeoutError("transition timed out", context.DeadlineExceeded)
	if !errors.Is(e, context.DeadlineExceeded) {
		t.Error("errors.Is(timeout, DeadlineExceeded) = false, want true")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"bad request", NewBadRequestError("x"), ErrBadRequest},
		{"not found", NewNotFoundError("x"), ErrNotFound},
		{"internal", NewInternalError(), ErrInternalError},
		{"definition", NewDefinitionError("x", nil), ErrDefinition},
		{"unknown state", NewUnknownStateError("x"), ErrUnknownState},
		{"invalid step", NewInvalidStepError("x"), ErrInvalidStep},
		{"unauthorized", NewUnauthorizedError("x"), ErrUnauthorized},
		{"conflict", NewConflictError("x"), ErrConflict},
		{"task", NewTaskExecutionError("x", nil), ErrTaskExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
		})
	}
}

func TestNewDefinitionError_details(t *testing.T) {
	details := []FieldError{
		{Field: "states[1].steps[0].next_state", Code: "REF_NOT_FOUND", Message: "state \"x\" not found"},
	}
	e := NewDefinitionError("invalid template", details)
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Code != "REF_NOT_FOUND" {
		t.Errorf("Details[0].Code = %q", e.Details[0].Code)
	}
}

func TestCodeOf_wrapped(t *testing.T) {
	err := fmt.Errorf("transition: %w", NewInvalidStepError("no such step"))
	if got := CodeOf(err); got != ErrInvalidStep {
		t.Errorf("CodeOf() = %q, want %q", got, ErrInvalidStep)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
	if HasCode(nil, ErrConflict) {
		t.Error("HasCode(nil) = true, want false")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewConflictError("lost race")) {
		t.Error("conflict should be retryable")
	}
	if IsRetryable(NewUnauthorizedError("no")) {
		t.Error("unauthorized should not be retryable")
	}
	if IsRetryable(NewTaskExecutionError("x", nil)) {
		t.Error("task execution should not be retryable")
	}
}

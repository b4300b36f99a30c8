package model

import "testing"

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "Process '12' not found"}
	want := "NOT_FOUND: Process '12' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Process", "7")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "Process '7' not found" {
		t.Errorf("Message = %q, want %q", err.Message, "Process '7' not found")
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("Invalid request",
		FieldError{Field: "name", Message: "required"},
		FieldError{Field: "quantum", Message: "must be positive"},
	)
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
}

func TestNewConflictAndInternalError(t *testing.T) {
	if err := NewConflictError("idle process cannot be killed"); err.Code != ErrConflict {
		t.Errorf("Code = %q, want %q", err.Code, ErrConflict)
	}
	if err := NewInternalError("boom"); err.Code != ErrInternal || err.Message != "boom" {
		t.Errorf("NewInternalError = %+v", err)
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{
		Entity: "Process",
		ID:     "4",
		From:   "DEAD",
		To:     "RUNNABLE",
	}
	want := "invalid Process state transition: DEAD → RUNNABLE (entity 4)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

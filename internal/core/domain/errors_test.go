package domain

import (
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeValidation, Message: "value is required"},
			expected: "validation_error: value is required",
		},
		{
			name:     "error with type, code, and message",
			err:      &APIError{Type: ErrorTypeConflict, Code: ErrorCodeExpired, Message: "session s3 expired"},
			expected: "conflict (expired): session s3 expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{
			name:     "validation",
			err:      &APIError{Type: ErrorTypeValidation},
			expected: http.StatusBadRequest,
		},
		{
			name:     "conflict",
			err:      &APIError{Type: ErrorTypeConflict, Code: ErrorCodeAlreadyCompleted},
			expected: http.StatusBadRequest,
		},
		{
			name:     "not found",
			err:      &APIError{Type: ErrorTypeNotFound},
			expected: http.StatusNotFound,
		},
		{
			name:     "unauthorized",
			err:      &APIError{Type: ErrorTypeUnauthorized},
			expected: http.StatusUnauthorized,
		},
		{
			name:     "server error",
			err:      &APIError{Type: ErrorTypeServer},
			expected: http.StatusInternalServerError,
		},
		{
			name:     "unknown error type",
			err:      &APIError{Type: ErrorType("unknown")},
			expected: http.StatusInternalServerError,
		},
		{
			name:     "explicit status code",
			err:      &APIError{Type: ErrorTypeConflict, StatusCode: http.StatusConflict},
			expected: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestConflictConstructors(t *testing.T) {
	completed := ErrAlreadyCompleted("s2")
	if completed.Code != ErrorCodeAlreadyCompleted {
		t.Errorf("Code = %v, want %v", completed.Code, ErrorCodeAlreadyCompleted)
	}
	expired := ErrExpired("s3")
	if expired.Code != ErrorCodeExpired {
		t.Errorf("Code = %v, want %v", expired.Code, ErrorCodeExpired)
	}

	if !IsConflict(completed, ErrorCodeAlreadyCompleted) {
		t.Error("IsConflict(already_completed) = false, want true")
	}
	if IsConflict(completed, ErrorCodeExpired) {
		t.Error("IsConflict(completed, expired) = true, want false")
	}
	if !IsConflict(fmt.Errorf("wrapped: %w", expired), "") {
		t.Error("IsConflict() should see through wrapping")
	}
	if IsConflict(ErrNotFound("nope"), "") {
		t.Error("IsConflict(not found) = true, want false")
	}
}

func TestErrorPredicates(t *testing.T) {
	if !IsNotFound(fmt.Errorf("lookup: %w", ErrNotFound("session s-unknown not found"))) {
		t.Error("IsNotFound() = false, want true")
	}
	if !IsValidation(ErrValidation("bad").WithParam("currency")) {
		t.Error("IsValidation() = false, want true")
	}
	if IsValidation(fmt.Errorf("plain")) {
		t.Error("IsValidation(plain error) = true, want false")
	}
}

func TestAPIError_Chaining(t *testing.T) {
	err := NewAPIError(ErrorTypeValidation, "test").
		WithCode(ErrorCodeNotCompleted).
		WithParam("currency").
		WithStatusCode(http.StatusUnprocessableEntity)

	if err.Type != ErrorTypeValidation {
		t.Errorf("Type = %v, want %v", err.Type, ErrorTypeValidation)
	}
	if err.Code != ErrorCodeNotCompleted {
		t.Errorf("Code = %v, want %v", err.Code, ErrorCodeNotCompleted)
	}
	if err.Param != "currency" {
		t.Errorf("Param = %q, want %q", err.Param, "currency")
	}
	if err.HTTPStatusCode() != http.StatusUnprocessableEntity {
		t.Errorf("HTTPStatusCode() = %d, want %d", err.HTTPStatusCode(), http.StatusUnprocessableEntity)
	}
}

func TestDeliveryResult_Err(t *testing.T) {
	ok := DeliveryResult{Success: true, Attempts: 1}
	if ok.Err() != nil {
		t.Errorf("Err() = %v, want nil", ok.Err())
	}

	failed := DeliveryResult{
		Attempts:       1,
		Classification: &ErrorClassification{Kind: KindAuth, Message: "Invalid OAuth access token"},
	}
	err := failed.Err()
	de, isDelivery := err.(*DeliveryError)
	if !isDelivery {
		t.Fatalf("Err() type = %T, want *DeliveryError", err)
	}
	if de.Classification.Kind != KindAuth || de.Attempts != 1 {
		t.Errorf("DeliveryError = %+v", de)
	}
	if !de.Classification.RequiresOperator() {
		t.Error("auth failures should require an operator")
	}
}

// Package domain holds the correlation model shared by every layer of the relay.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeValidation indicates a malformed or incomplete ingest payload.
	ErrorTypeValidation ErrorType = "validation_error"

	// ErrorTypeNotFound indicates the referenced session does not exist.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict indicates the session is no longer completable.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeUnauthorized indicates a missing or invalid API key.
	ErrorTypeUnauthorized ErrorType = "unauthorized"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeAlreadyCompleted ErrorCode = "already_completed"
	ErrorCodeExpired          ErrorCode = "expired"
	ErrorCodeNotCompleted     ErrorCode = "not_completed"
	ErrorCodeInvalidAPIKey    ErrorCode = "invalid_api_key"
)

// APIError is the canonical error surfaced to ingest callers.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the payload field that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
// Conflicts map to 400 so callers treat them like any other rejected event;
// the code field tells already_completed and expired apart.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeValidation, ErrorTypeConflict:
		return http.StatusBadRequest
	case ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeServer:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// Convenience constructors for common errors

// ErrValidation creates a validation error.
func ErrValidation(message string) *APIError {
	return NewAPIError(ErrorTypeValidation, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrAlreadyCompleted creates the conflict returned when a session was
// completed by an earlier event.
func ErrAlreadyCompleted(sessionID string) *APIError {
	return NewAPIError(ErrorTypeConflict, fmt.Sprintf("session %s already completed", sessionID)).
		WithCode(ErrorCodeAlreadyCompleted)
}

// ErrExpired creates the conflict returned when a session outlived its TTL.
func ErrExpired(sessionID string) *APIError {
	return NewAPIError(ErrorTypeConflict, fmt.Sprintf("session %s expired", sessionID)).
		WithCode(ErrorCodeExpired)
}

// ErrUnauthorized creates an authentication error.
func ErrUnauthorized(message string) *APIError {
	return NewAPIError(ErrorTypeUnauthorized, message).
		WithCode(ErrorCodeInvalidAPIKey)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// IsConflict reports whether err is a conflict with the given code. An empty
// code matches any conflict.
func IsConflict(err error, code ErrorCode) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Type != ErrorTypeConflict {
		return false
	}
	return code == "" || apiErr.Code == code
}

// IsNotFound reports whether err is a not found error.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Type == ErrorTypeNotFound
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Type == ErrorTypeValidation
}

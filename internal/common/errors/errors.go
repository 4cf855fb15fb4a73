// Package errors provides the typed error values used across the sandbox
// orchestration service and their HTTP mappings.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeStateInvalid       = "STATE_INVALID"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
// UpstreamStatus and UpstreamBody are populated only for backend-unavailable
// errors so callers can inspect the remote response.
type AppError struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	HTTPStatus     int    `json:"-"`
	UpstreamStatus int    `json:"-"`
	UpstreamBody   string `json:"-"`
	Err            error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// MarshalJSON emits the wire shape consumed by clients: {"error": message}.
func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error string `json:"error"`
	}{Error: e.Message})
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// StateInvalid creates an error for operations rejected because the target is
// in the wrong lifecycle state (start on terminated, cancel on executing, ...).
func StateInvalid(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeStateInvalid,
		Message:    reason,
		HTTPStatus: http.StatusConflict,
	}
}

// BackendUnavailable creates an error for a failed call to a sandbox or build
// backend, preserving the upstream status code and response body.
func BackendUnavailable(statusCode int, body string) *AppError {
	return &AppError{
		Code:           ErrCodeBackendUnavailable,
		Message:        fmt.Sprintf("backend request failed with status %d: %s", statusCode, body),
		HTTPStatus:     http.StatusBadGateway,
		UpstreamStatus: statusCode,
		UpstreamBody:   body,
	}
}

// BackendFailure creates a backend-unavailable error for backends with no
// upstream HTTP response (process spawn failures, filesystem errors).
func BackendFailure(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeBackendUnavailable,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:           appErr.Code,
			Message:        fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus:     appErr.HTTPStatus,
			UpstreamStatus: appErr.UpstreamStatus,
			UpstreamBody:   appErr.UpstreamBody,
			Err:            err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsStateInvalid checks if the error is a lifecycle-state rejection.
func IsStateInvalid(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeStateInvalid
	}
	return false
}

// IsBackendUnavailable checks if the error came from a failed backend call.
func IsBackendUnavailable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBackendUnavailable
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

package errors

import (
	"net/http"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Authentication errors (401xx)
	ErrInvalidAdminToken ErrorCode = "40101"

	// Resource errors (404xx)
	ErrKeyNotFound     ErrorCode = "40401"
	ErrProductNotFound ErrorCode = "40402"

	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"
	ErrInvalidCount     ErrorCode = "40003"

	// Conflict errors (409xx)
	ErrAlreadyRevoked ErrorCode = "40901"
	ErrQuotaExceeded  ErrorCode = "40902"
	ErrNoKeyAvailable ErrorCode = "40903"
	ErrKeyExpired     ErrorCode = "40904"

	// Rate limit errors (429xx)
	ErrRateLimited ErrorCode = "42901"

	// Server errors (500xx)
	ErrInternalServer     ErrorCode = "50001"
	ErrStorageUnavailable ErrorCode = "50301"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id"`
}

// NewErrorResponse builds the response envelope for an API error
func NewErrorResponse(err *APIError, requestID string) *ErrorResponse {
	return &ErrorResponse{
		Error:     *err,
		RequestID: requestID,
	}
}

// Common errors
var (
	ErrInvalidAdminTokenError = &APIError{
		Code:       ErrInvalidAdminToken,
		Message:    "Invalid admin token",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrKeyNotFoundError = &APIError{
		Code:       ErrKeyNotFound,
		Message:    "License key not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrProductNotFoundError = &APIError{
		Code:       ErrProductNotFound,
		Message:    "Product not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrAlreadyRevokedError = &APIError{
		Code:       ErrAlreadyRevoked,
		Message:    "License key is already revoked",
		HTTPStatus: http.StatusConflict,
	}

	ErrQuotaExceededError = &APIError{
		Code:       ErrQuotaExceeded,
		Message:    "Activation quota exceeded",
		HTTPStatus: http.StatusConflict,
	}

	ErrNoKeyAvailableError = &APIError{
		Code:       ErrNoKeyAvailable,
		Message:    "No available key for product",
		HTTPStatus: http.StatusConflict,
	}

	ErrKeyExpiredError = &APIError{
		Code:       ErrKeyExpired,
		Message:    "License key is expired",
		HTTPStatus: http.StatusConflict,
	}

	ErrRateLimitedError = &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrStorageUnavailableError = &APIError{
		Code:       ErrStorageUnavailable,
		Message:    "Storage temporarily unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidCountError creates an out-of-range count error
func NewInvalidCountError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidCount,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

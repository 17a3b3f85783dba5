// Package errors provides structured error handling for policygate
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrBadRequest   ErrorCode = "BAD_REQUEST"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrTimeout      ErrorCode = "TIMEOUT"
	ErrUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"

	// Policy errors
	ErrInvalidRule     ErrorCode = "INVALID_RULE"
	ErrUnknownVersion  ErrorCode = "UNKNOWN_VERSION"
	ErrNoActivePolicy  ErrorCode = "NO_ACTIVE_POLICY"
	ErrInternalPolicy  ErrorCode = "INTERNAL_POLICY_ERROR"
	ErrResolution      ErrorCode = "RESOLUTION_ERROR"
	ErrLedgerWrite     ErrorCode = "LEDGER_WRITE_ERROR"
	ErrLedgerIntegrity ErrorCode = "LEDGER_INTEGRITY_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return &AppError{
		Code:       ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrUnauthorized,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrForbidden,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// ValidationError creates a validation error
func ValidationError(message string) *AppError {
	return &AppError{
		Code:       ErrValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// Unavailable creates a service unavailable error
func Unavailable(message string, err error) *AppError {
	return &AppError{
		Code:       ErrUnavailable,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// InvalidRule creates an error for a rule rejected at publish time
func InvalidRule(rule, reason string, err error) *AppError {
	return (&AppError{
		Code:       ErrInvalidRule,
		Message:    "Invalid rule",
		Details:    reason,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}).WithMetadata("rule", rule)
}

// UnknownVersion creates an error for a policy version id that never existed
func UnknownVersion(id int64, err error) *AppError {
	return (&AppError{
		Code:       ErrUnknownVersion,
		Message:    "Policy version not found",
		StatusCode: http.StatusNotFound,
		Err:        err,
	}).WithMetadata("version_id", id)
}

// NoActivePolicy creates an error for reads made before any publish
func NoActivePolicy(err error) *AppError {
	return &AppError{
		Code:       ErrNoActivePolicy,
		Message:    "No policy version has been published",
		StatusCode: http.StatusNotFound,
		Err:        err,
	}
}

// LedgerWrite creates an error for a decision that could not be audited
func LedgerWrite(err error) *AppError {
	return &AppError{
		Code:       ErrLedgerWrite,
		Message:    "Decision could not be recorded",
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// ErrorResponse is the JSON response structure for errors
type ErrorResponse struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// HandleError sends an error response to the client
func HandleError(c *gin.Context, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = Internal("An unexpected error occurred", err)
	}

	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	response := ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: reqIDStr,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(appErr.StatusCode, response)
}

// ErrorHandler is a middleware that handles panics and converts them to errors
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				var appErr *AppError

				switch e := err.(type) {
				case *AppError:
					appErr = e
				case error:
					appErr = Internal("Internal server error", e)
				default:
					appErr = Internal("Internal server error", fmt.Errorf("%v", err))
				}

				HandleError(c, appErr)
				c.Abort()
			}
		}()

		c.Next()
	}
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(ErrBadRequest, "Test error", http.StatusBadRequest)

	assert.Equal(t, ErrBadRequest, err.Code)
	assert.Equal(t, "Test error", err.Message)
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)
	assert.Nil(t, err.Err)
}

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "Error without details",
			err:      &AppError{Code: ErrBadRequest, Message: "Invalid request"},
			expected: "[BAD_REQUEST] Invalid request",
		},
		{
			name:     "Error with details",
			err:      &AppError{Code: ErrInvalidRule, Message: "Invalid rule", Details: "unknown field \"salary\""},
			expected: "[INVALID_RULE] Invalid rule: unknown field \"salary\"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	originalErr := errors.New("disk full")
	err := LedgerWrite(originalErr)

	assert.Equal(t, originalErr, err.Unwrap())
	assert.True(t, errors.Is(err, originalErr))
}

func TestPredefinedErrors(t *testing.T) {
	tests := []struct {
		name           string
		createError    func() *AppError
		expectedCode   ErrorCode
		expectedStatus int
	}{
		{"Internal", func() *AppError { return Internal("System error", nil) }, ErrInternal, http.StatusInternalServerError},
		{"NotFound", func() *AppError { return NotFound("Entry") }, ErrNotFound, http.StatusNotFound},
		{"BadRequest", func() *AppError { return BadRequest("Invalid input") }, ErrBadRequest, http.StatusBadRequest},
		{"Unauthorized", func() *AppError { return Unauthorized("Not authenticated") }, ErrUnauthorized, http.StatusUnauthorized},
		{"Forbidden", func() *AppError { return Forbidden("Access denied") }, ErrForbidden, http.StatusForbidden},
		{"ValidationError", func() *AppError { return ValidationError("Validation failed") }, ErrValidation, http.StatusBadRequest},
		{"Unavailable", func() *AppError { return Unavailable("store down", nil) }, ErrUnavailable, http.StatusServiceUnavailable},
		{"InvalidRule", func() *AppError { return InvalidRule("r1", "duplicate name", nil) }, ErrInvalidRule, http.StatusBadRequest},
		{"UnknownVersion", func() *AppError { return UnknownVersion(7, nil) }, ErrUnknownVersion, http.StatusNotFound},
		{"NoActivePolicy", func() *AppError { return NoActivePolicy(nil) }, ErrNoActivePolicy, http.StatusNotFound},
		{"LedgerWrite", func() *AppError { return LedgerWrite(nil) }, ErrLedgerWrite, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.createError()
			assert.Equal(t, tt.expectedCode, err.Code)
			assert.Equal(t, tt.expectedStatus, err.StatusCode)
		})
	}
}

func TestPolicyErrorMetadata(t *testing.T) {
	t.Run("InvalidRule", func(t *testing.T) {
		err := InvalidRule("r2", "duplicate rule name", nil)
		assert.Equal(t, "r2", err.Metadata["rule"])
		assert.Equal(t, "duplicate rule name", err.Details)
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		err := UnknownVersion(42, nil)
		assert.Equal(t, int64(42), err.Metadata["version_id"])
	})
}

func TestIsErrorCode(t *testing.T) {
	t.Run("Matching error code", func(t *testing.T) {
		assert.True(t, IsErrorCode(UnknownVersion(1, nil), ErrUnknownVersion))
	})

	t.Run("Wrapped AppError", func(t *testing.T) {
		err := fmt.Errorf("rollback: %w", UnknownVersion(1, nil))
		assert.True(t, IsErrorCode(err, ErrUnknownVersion))
	})

	t.Run("Non-AppError", func(t *testing.T) {
		assert.False(t, IsErrorCode(errors.New("standard error"), ErrInternal))
	})
}

func TestGetStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, GetStatusCode(BadRequest("Invalid input")))
	assert.Equal(t, http.StatusInternalServerError, GetStatusCode(errors.New("standard error")))
}

func TestHandleError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("AppError is rendered with its status", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Set("request_id", "req-1")

		HandleError(c, InvalidRule("r1", "unknown field", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, ErrInvalidRule, resp.Error)
		assert.Equal(t, "req-1", resp.RequestID)
		assert.Equal(t, "r1", resp.Metadata["rule"])
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		HandleError(c, errors.New("boom"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestErrorHandlerRecoversPanics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/panic", func(c *gin.Context) { panic("unexpected") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(ErrInternal))
}

func BenchmarkNewError(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = New(ErrBadRequest, "Test error", http.StatusBadRequest)
	}
}

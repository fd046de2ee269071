package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atlasconnect/pam/services"
	"github.com/atlasconnect/pam/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
	}{
		{"invalid argument", services.ErrEmptyReason, http.StatusBadRequest, "bad_request"},
		{"not found", services.ErrElevationNotFound, http.StatusNotFound, "not_found"},
		{"conflict", services.ErrDuplicateLiveRequest, http.StatusConflict, "conflict"},
		{"invalid state", services.ErrInvalidState, http.StatusConflict, "invalid_state"},
		{"expired", services.ErrRequestExpired, http.StatusGone, "expired"},
		{"timeout", services.WrapStorage("failed to store", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{"unauthorized", services.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"forbidden", services.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"internal", services.WrapInternal("db exploded", errors.New("pq: connection refused")), http.StatusInternalServerError, "internal_error"},
		{"plain error", errors.New("something else"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)
			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedError, response.Error)
		})
	}
}

func TestHandleServiceError_HidesCauses(t *testing.T) {
	w := httptest.NewRecorder()
	err := services.WrapInternal("failed to store elevation request", errors.New("pq: password authentication failed"))

	HandleServiceError(w, err, zap.NewNop())

	assert.NotContains(t, w.Body.String(), "password")
	assert.Contains(t, w.Body.String(), "An internal error occurred")
}

func TestHandleServiceError_Details(t *testing.T) {
	w := httptest.NewRecorder()
	err := services.NewDomainError(services.ErrorTypeInvalidState, "operation not permitted in status denied", nil).
		WithDetail("status", "denied")

	HandleServiceError(w, err, zap.NewNop())

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "operation not permitted in status denied", response.Message)
	assert.Equal(t, "denied", response.Details["status"])
}

func TestHandleServiceError_Nil(t *testing.T) {
	w := httptest.NewRecorder()
	HandleServiceError(w, nil, zap.NewNop())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleValidationError(t *testing.T) {
	t.Run("structured validation error", func(t *testing.T) {
		w := httptest.NewRecorder()
		err := &utils.ValidationError{Message: "Validation failed", Fields: map[string]string{"reason": "reason is required"}}

		HandleValidationError(w, err, zap.NewNop())

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "reason is required", response.Details["reason"])
	})

	t.Run("plain error", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleValidationError(w, errors.New("bad input"), zap.NewNop())
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "bad input")
	})
}

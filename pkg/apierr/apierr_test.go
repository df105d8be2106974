package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeInvalidJWT, http.StatusBadRequest},
		{CodeInvalidSignature, http.StatusBadRequest},
		{CodeAccessDenied, http.StatusForbidden},
		{CodeBucketNotFound, http.StatusNotFound},
		{CodeObjectNotFound, http.StatusNotFound},
		{CodeReservationNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodeBucketNotEmpty, http.StatusConflict},
		{CodeResourceLocked, http.StatusConflict},
		{CodeExpiredReservation, http.StatusConflict},
		{CodeEntityTooLarge, http.StatusRequestEntityTooLarge},
		{CodeInvalidMimeType, http.StatusUnsupportedMediaType},
		{CodeNoActiveShard, http.StatusInsufficientStorage},
		{CodeDatabaseTimeout, 544},
		{CodeAcquiringLockTimeout, http.StatusServiceUnavailable},
		{CodeBackendUnavailable, http.StatusServiceUnavailable},
		{CodeTransactionError, http.StatusInternalServerError},
		{CodeInternalError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, New(tt.code, "x").StatusCode)
		})
	}
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ObjectNotFound("b1", "a/b.txt"))
	assert.True(t, errors.Is(err, New(CodeObjectNotFound, "")))
	assert.False(t, errors.Is(err, New(CodeBucketNotFound, "")))
}

func TestUnwrapKeepsOriginal(t *testing.T) {
	orig := errors.New("connection refused")
	err := Wrap(CodeBackendUnavailable, "backend unavailable", orig)
	assert.ErrorIs(t, err, orig)
}

func TestToPayloadSanitizesForeignErrors(t *testing.T) {
	p := ToPayload(errors.New("pq: password authentication failed"))
	assert.Equal(t, http.StatusInternalServerError, p.StatusCode)
	assert.Equal(t, "Internal Server Error", p.Message)
	assert.NotContains(t, p.Message, "password")
}

func TestToPayloadKeepsValidationMessages(t *testing.T) {
	p := ToPayload(InvalidMimeType("application/x-evil"))
	assert.Equal(t, http.StatusUnsupportedMediaType, p.StatusCode)
	assert.Equal(t, "mime type application/x-evil is not supported", p.Message)
}

func TestRenderWritesJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	Render(rec, EntityTooLarge(100, 50))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var p Payload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "EntityTooLarge", p.ErrorCode)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Wrap(CodeBackendUnavailable, "x", nil)))
	assert.False(t, Retryable(ObjectNotFound("b", "o")))
	assert.False(t, Retryable(AccessDenied("")))
}

func TestInvalidJWTKeepsJWTMessage(t *testing.T) {
	err := InvalidJWT(errors.New("jwt expired"))
	assert.Equal(t, "jwt expired", err.Message)
}

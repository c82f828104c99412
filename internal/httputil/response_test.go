package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unauthorized webhook secret", apperrors.Unauthorized("Invalid secret"), http.StatusUnauthorized},
		{"secret not configured", apperrors.ServiceUnavailable("not configured"), http.StatusServiceUnavailable},
		{"empty body", apperrors.BadRequest("Empty body"), http.StatusBadRequest},
		{"gateway not ready", apperrors.GatewayNotReady("p1", nil), http.StatusServiceUnavailable},
		{"relay failed", apperrors.RelayFailed(errors.New("eof")), http.StatusInternalServerError},
		{"unknown source", apperrors.NotFound("Webhook source"), http.StatusNotFound},
		{"oversized body", apperrors.PayloadTooLarge(64 << 10), http.StatusRequestEntityTooLarge},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}

	t.Run("hides message of non-app errors", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("password=hunter2"))
		assert.NotContains(t, rec.Body.String(), "hunter2")
	})
}

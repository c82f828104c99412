package handler

import (
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	if appErr, ok := apperrors.AsAppError(err); ok {
		if httputil.StatusFromCode(appErr.Code) >= http.StatusInternalServerError {
			log.Error().Err(err).Str("code", string(appErr.Code)).Msg("request failed")
		}
	} else {
		log.Error().Err(err).Msg("unexpected error")
	}
	httputil.WriteError(w, err)
}

// resultStatus maps a structured result to 200 or 500.
func resultStatus(success bool) int {
	if success {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

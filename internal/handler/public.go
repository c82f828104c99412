package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/sandbox-controller-go/internal/audit"
	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/model"
	"github.com/openclaw/sandbox-controller-go/internal/service"
)

// PublicHandler serves the routes reachable without an admin session.
type PublicHandler struct {
	gateway *service.GatewaySupervisor
	storage *service.StorageManager
	relay   *service.WebhookRelay
}

func NewPublicHandler(gateway *service.GatewaySupervisor, storage *service.StorageManager, relay *service.WebhookRelay) *PublicHandler {
	return &PublicHandler{
		gateway: gateway,
		storage: storage,
		relay:   relay,
	}
}

// GET /sandbox-health
func (h *PublicHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// GET /api/status
func (h *PublicHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.CheckStatus(r.Context()))
}

// POST /webhook/{source}?secret=
func (h *PublicHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperrors.PayloadTooLarge(tooLarge.Limit))
			return
		}
		writeError(w, apperrors.BadRequest("Failed to read request body"))
		return
	}

	source := chi.URLParam(r, "source")
	result, err := h.relay.Relay(r.Context(), model.WebhookEnvelope{
		Source:  source,
		Secret:  r.URL.Query().Get("secret"),
		RawBody: string(body),
	})
	if err != nil {
		if isWebhookRejection(err) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventWebhookRejected,
				Details: map[string]any{"source": source, "reason": err.Error()},
			})
		}
		writeError(w, err)
		return
	}

	writeJSON(w, responseStatus(result.Status), result)
}

// responseStatus mirrors the gateway status unless that status cannot carry
// the JSON body.
func responseStatus(upstream int) int {
	switch {
	case upstream < http.StatusOK,
		upstream == http.StatusNoContent,
		upstream == http.StatusResetContent,
		upstream == http.StatusNotModified:
		return http.StatusOK
	}
	return upstream
}

func isWebhookRejection(err error) bool {
	return apperrors.HasCode(err, apperrors.ErrCodeUnauthorized) ||
		apperrors.HasCode(err, apperrors.ErrCodeNotFound) ||
		apperrors.HasCode(err, apperrors.ErrCodeServiceUnavailable)
}

// GET /debug/mount, gateway-token protected. Attempts the mount and reports
// every diagnostic regardless of the outcome.
func (h *PublicHandler) DebugMount(w http.ResponseWriter, r *http.Request) {
	audit.LogFromRequest(r, audit.Event{Type: audit.EventDebugAccess})

	resp := map[string]any{"configured": h.storage.Configured()}
	if h.storage.Configured() {
		mounted, err := h.storage.Mount(r.Context())
		resp["mounted"] = mounted
		if err != nil {
			resp["mountError"] = err.Error()
		}
	}
	resp["diagnostics"] = h.storage.VerifyMount(r.Context())

	writeJSON(w, http.StatusOK, resp)
}

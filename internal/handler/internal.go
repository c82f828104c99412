package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/model"
	"github.com/openclaw/sandbox-controller-go/internal/service"
)

// InternalHandler serves calls made by the gateway process itself.
type InternalHandler struct {
	devices *service.DeviceRegistry
}

func NewInternalHandler(devices *service.DeviceRegistry) *InternalHandler {
	return &InternalHandler{devices: devices}
}

// Routes is mounted at /internal behind the gateway token.
func (h *InternalHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/devices/requests", h.CreateDeviceRequest)
	return r
}

type deviceRequestBody struct {
	RequestID   string `json:"requestId"`
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName"`
	Platform    string `json:"platform"`
	ClientID    string `json:"clientId"`
	ClientMode  string `json:"clientMode"`
	Role        string `json:"role"`
	RemoteIP    string `json:"remoteIp"`
	Ts          int64  `json:"ts"`
}

// POST /internal/devices/requests
func (h *InternalHandler) CreateDeviceRequest(w http.ResponseWriter, r *http.Request) {
	var body deviceRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.BadRequest("Invalid request body"))
		return
	}
	if body.DeviceID == "" && body.ClientID == "" {
		writeError(w, apperrors.MissingRequired("deviceId or clientId"))
		return
	}

	req, err := h.devices.RequestPairing(r.Context(), model.CreatePendingRequestParams{
		RequestID: body.RequestID,
		DeviceID:  body.DeviceID,
		Details: model.DeviceDetails{
			DisplayName: body.DisplayName,
			Platform:    body.Platform,
			ClientID:    body.ClientID,
			ClientMode:  body.ClientMode,
			Role:        body.Role,
			RemoteIP:    body.RemoteIP,
		},
		Ts: body.Ts,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, req)
}

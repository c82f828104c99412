package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/sandbox-controller-go/internal/audit"
	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/middleware"
	"github.com/openclaw/sandbox-controller-go/internal/service"
	"github.com/openclaw/sandbox-controller-go/internal/util"
)

type AdminHandler struct {
	adminService      *service.AdminService
	devices           *service.DeviceRegistry
	gateway           *service.GatewaySupervisor
	storage           *service.StorageManager
	events            http.Handler
	sessionMiddleware func(http.Handler) http.Handler
	loginRateLimiter  func(http.Handler) http.Handler
	isProduction      bool
}

type AdminHandlerDeps struct {
	AdminService      *service.AdminService
	Devices           *service.DeviceRegistry
	Gateway           *service.GatewaySupervisor
	Storage           *service.StorageManager
	Events            http.Handler
	SessionMiddleware func(http.Handler) http.Handler
	LoginRateLimiter  func(http.Handler) http.Handler
	IsProduction      bool
}

func NewAdminHandler(deps AdminHandlerDeps) *AdminHandler {
	passthrough := func(next http.Handler) http.Handler { return next }
	if deps.LoginRateLimiter == nil {
		deps.LoginRateLimiter = passthrough
	}
	if deps.SessionMiddleware == nil {
		deps.SessionMiddleware = passthrough
	}
	return &AdminHandler{
		adminService:      deps.AdminService,
		devices:           deps.Devices,
		gateway:           deps.Gateway,
		storage:           deps.Storage,
		events:            deps.Events,
		sessionMiddleware: deps.SessionMiddleware,
		loginRateLimiter:  deps.LoginRateLimiter,
		isProduction:      deps.IsProduction,
	}
}

// Routes is mounted at /_admin/api.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(h.loginRateLimiter).Post("/login", h.Login)
	r.Post("/logout", h.Logout)

	r.Group(func(r chi.Router) {
		r.Use(h.sessionMiddleware)

		// Devices
		r.Get("/devices", h.ListDevices)
		r.Post("/devices/approve-all", h.ApproveAll)
		r.Post("/devices/{requestId}/approve", h.Approve)
		r.Post("/devices/{requestId}/reject", h.Reject)

		// Gateway
		r.Post("/gateway/restart", h.RestartGateway)
		r.Get("/gateway/logs", h.GatewayLogs)

		// Storage
		r.Get("/storage", h.StorageStatus)
		r.Post("/storage/sync", h.SyncStorage)
		r.Get("/storage/diagnostics", h.StorageDiagnostics)

		if h.events != nil {
			r.Get("/events", h.events.ServeHTTP)
		}
	})

	return r
}

func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeError(w, apperrors.MissingRequired("password"))
		return
	}

	token, err := h.adminService.Login(r.Context(), req.Password, audit.ClientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}

	if token == "" {
		audit.LogFromRequest(r, audit.Event{Type: audit.EventLoginFailure})
		writeError(w, apperrors.Unauthorized("Invalid password"))
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventLoginSuccess})
	middleware.SetSessionCookie(w, middleware.AdminSessionCookie, token, middleware.AdminCookiePath, h.isProduction)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AdminHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.AdminSessionCookie)
	if err == nil && cookie.Value != "" {
		if err := h.adminService.Logout(r.Context(), cookie.Value); err != nil {
			log.Warn().Err(err).Msg("failed to delete admin session")
		}
		audit.LogFromRequest(r, audit.Event{Type: audit.EventLogout})
	}

	middleware.ClearSessionCookie(w, middleware.AdminSessionCookie, middleware.AdminCookiePath)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Devices

func (h *AdminHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.devices.ListDevices(r.Context()))
}

func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	if !util.IsValidRequestID(requestID) {
		writeError(w, apperrors.InvalidInput("requestId", "malformed request id"))
		return
	}

	result := h.devices.Approve(r.Context(), requestID)
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventDeviceApprove,
		RequestID: requestID,
		Details:   map[string]any{"success": result.Success},
	})
	writeJSON(w, resultStatus(result.Success), result)
}

func (h *AdminHandler) ApproveAll(w http.ResponseWriter, r *http.Request) {
	result, err := h.devices.ApproveAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type: audit.EventDeviceApproveAll,
		Details: map[string]any{
			"approvedCount": result.ApprovedCount,
			"failed":        result.Failed,
		},
	})
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) Reject(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	if !util.IsValidRequestID(requestID) {
		writeError(w, apperrors.InvalidInput("requestId", "malformed request id"))
		return
	}

	if err := h.devices.Reject(r.Context(), requestID); err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventDeviceReject, RequestID: requestID})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Gateway

func (h *AdminHandler) RestartGateway(w http.ResponseWriter, r *http.Request) {
	result := h.gateway.Restart(r.Context())
	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventGatewayRestart,
		Details: map[string]any{"success": result.Success, "processId": result.ProcessID},
	})
	writeJSON(w, resultStatus(result.Success), result)
}

func (h *AdminHandler) GatewayLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.gateway.Logs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// Storage

func (h *AdminHandler) StorageStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.storage.Status(r.Context()))
}

func (h *AdminHandler) SyncStorage(w http.ResponseWriter, r *http.Request) {
	result := h.storage.Sync(r.Context())
	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventStorageSync,
		Details: map[string]any{"success": result.Success},
	})

	// An unconfigured bucket is reported in the body, not as a server failure.
	status := resultStatus(result.Success)
	if !h.storage.Configured() {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *AdminHandler) StorageDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.storage.VerifyMount(r.Context()))
}

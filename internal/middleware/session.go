package middleware

import (
	"context"
	"net/http"

	"github.com/openclaw/sandbox-controller-go/internal/config"
)

const AdminSessionCookie = "admin_session"

// AdminCookiePath scopes admin cookies to the admin surface.
const AdminCookiePath = "/_admin"

// SessionValidator is satisfied by service.AdminService.
type SessionValidator interface {
	Configured() bool
	ValidateSession(ctx context.Context, token string) bool
}

type AdminSessionMiddleware struct {
	sessions SessionValidator
}

func NewAdminSessionMiddleware(sessions SessionValidator) *AdminSessionMiddleware {
	return &AdminSessionMiddleware{sessions: sessions}
}

func (m *AdminSessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.sessions.Configured() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "Admin not configured",
				"code":  "SERVICE_UNAVAILABLE",
			})
			return
		}

		cookie, err := r.Cookie(AdminSessionCookie)
		if err != nil || cookie.Value == "" || !m.sessions.ValidateSession(r.Context(), cookie.Value) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Unauthorized",
				"code":  "UNAUTHORIZED",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func SetSessionCookie(w http.ResponseWriter, name, token string, path string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     path,
		MaxAge:   int(config.AdminSessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func ClearSessionCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:   name,
		Value:  "",
		Path:   path,
		MaxAge: -1,
	})
}

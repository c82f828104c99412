package middleware

import (
	"net/http"

	"github.com/openclaw/sandbox-controller-go/internal/config"
	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/httputil"
	"github.com/openclaw/sandbox-controller-go/internal/util"
)

const (
	CSRFCookieName = "csrf_token"
	CSRFHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware pairs the admin session cookie with a double-submit token.
// The token cookie is readable by the admin UI, which echoes it in
// X-CSRF-Token. Only requests that carry a session cookie are checked: a
// request without one has no ambient credential to ride on.
type CSRFMiddleware struct {
	secure bool
}

func NewCSRFMiddleware(isProduction bool) *CSRFMiddleware {
	return &CSRFMiddleware{secure: isProduction}
}

func (m *CSRFMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := m.ensureToken(w, r)
		if err != nil {
			httputil.WriteError(w, apperrors.Internal("Failed to generate security token"))
			return
		}

		if isSafeMethod(r.Method) || !hasSessionCookie(r) {
			next.ServeHTTP(w, r)
			return
		}

		sent := r.Header.Get(CSRFHeaderName)
		if sent == "" || !util.ConstantTimeEqual(token, sent) {
			httputil.WriteError(w, apperrors.Forbidden("Missing or invalid CSRF token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ensureToken returns the request's token, issuing a fresh cookie when it
// has none. A freshly issued token never matches a header, so the first
// mutating call of a session without one is refused.
func (m *CSRFMiddleware) ensureToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(CSRFCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}

	token, err := util.GenerateToken()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     AdminCookiePath,
		MaxAge:   int(config.AdminSessionTTL.Seconds()),
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

func hasSessionCookie(r *http.Request) bool {
	c, err := r.Cookie(AdminSessionCookie)
	return err == nil && c.Value != ""
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

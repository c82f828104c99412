package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

type stubSessions struct {
	configured bool
	valid      string
}

func (s stubSessions) Configured() bool { return s.configured }

func (s stubSessions) ValidateSession(ctx context.Context, token string) bool {
	return token != "" && token == s.valid
}

type countingLimiter struct {
	mu    sync.Mutex
	keys  []string
	allow int
}

func (c *countingLimiter) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	return len(c.keys) <= c.allow, time.Now().Add(window)
}

func TestGatewayTokenMiddleware(t *testing.T) {
	t.Run("accepts a bearer token", func(t *testing.T) {
		h := NewGatewayTokenMiddleware("gw-token").Handler(okHandler)
		req := httptest.NewRequest(http.MethodPost, "/internal/devices/requests", nil)
		req.Header.Set("Authorization", "Bearer gw-token")
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("accepts a query token", func(t *testing.T) {
		h := NewGatewayTokenMiddleware("gw-token").Handler(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/debug/mount?token=gw-token", nil)
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rejects a missing or wrong token", func(t *testing.T) {
		h := NewGatewayTokenMiddleware("gw-token").Handler(okHandler)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/mount", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/mount?token=nope", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("is unavailable when no token is configured", func(t *testing.T) {
		h := NewGatewayTokenMiddleware("").Handler(okHandler)
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/mount?token=", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestAdminSessionMiddleware(t *testing.T) {
	t.Run("passes a valid session cookie", func(t *testing.T) {
		h := NewAdminSessionMiddleware(stubSessions{configured: true, valid: "tok"}).Handler(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/_admin/api/devices", nil)
		req.AddCookie(&http.Cookie{Name: AdminSessionCookie, Value: "tok"})
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("returns 401 without a valid session", func(t *testing.T) {
		h := NewAdminSessionMiddleware(stubSessions{configured: true, valid: "tok"}).Handler(okHandler)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_admin/api/devices", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")

		req := httptest.NewRequest(http.MethodGet, "/_admin/api/devices", nil)
		req.AddCookie(&http.Cookie{Name: AdminSessionCookie, Value: "stale"})
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("returns 503 when no admin password is set", func(t *testing.T) {
		h := NewAdminSessionMiddleware(stubSessions{}).Handler(okHandler)
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_admin/api/devices", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestIPRateLimitMiddleware(t *testing.T) {
	t.Run("keys by client ip and rejects over the limit", func(t *testing.T) {
		limiter := &countingLimiter{allow: 1}
		h := NewIPRateLimitMiddleware(limiter, 1, time.Minute, "webhook").Handler(okHandler)

		req := httptest.NewRequest(http.MethodPost, "/webhook/tradingview", nil)
		req.RemoteAddr = "10.1.2.3:5555"

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		assert.Equal(t, []string{"ip:webhook:10.1.2.3", "ip:webhook:10.1.2.3"}, limiter.keys)
	})

	t.Run("a zero limit disables limiting", func(t *testing.T) {
		limiter := &countingLimiter{}
		h := NewIPRateLimitMiddleware(limiter, 0, time.Minute, "webhook").Handler(okHandler)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/tradingview", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, limiter.keys)
	})

	t.Run("login limiter uses its own message", func(t *testing.T) {
		h := NewLoginRateLimiter(&countingLimiter{allow: 0}).Handler(okHandler)
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_admin/api/login", nil))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Contains(t, rec.Body.String(), "login attempts")
	})
}

func TestBodyLimitMiddleware(t *testing.T) {
	t.Run("rejects a declared oversized body", func(t *testing.T) {
		h := NewBodyLimitMiddleware(8).Handler(okHandler)
		req := httptest.NewRequest(http.MethodPost, "/webhook/tradingview", strings.NewReader("0123456789"))
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Contains(t, rec.Body.String(), "PAYLOAD_TOO_LARGE")
	})

	t.Run("falls back to the default size", func(t *testing.T) {
		assert.Equal(t, int64(DefaultMaxBodySize), NewBodyLimitMiddleware(0).MaxSize())
	})

	t.Run("passes a small body", func(t *testing.T) {
		h := NewBodyLimitMiddleware(8).Handler(okHandler)
		req := httptest.NewRequest(http.MethodPost, "/webhook/tradingview", strings.NewReader("ok"))
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestCSRFMiddleware(t *testing.T) {
	h := NewCSRFMiddleware(false).Handler(okHandler)
	session := &http.Cookie{Name: AdminSessionCookie, Value: "sess"}

	t.Run("issues an admin-scoped cookie on safe requests", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_admin/api/devices", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, CSRFCookieName, cookies[0].Name)
		assert.Equal(t, AdminCookiePath, cookies[0].Path)
		assert.False(t, cookies[0].HttpOnly)
	})

	t.Run("lets requests without a session through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_admin/api/login", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("requires a matching header when a session is present", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/_admin/api/gateway/restart", nil)
		req.AddCookie(session)
		req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "abc"})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "FORBIDDEN")

		req.Header.Set(CSRFHeaderName, "wrong")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		req.Header.Set(CSRFHeaderName, "abc")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("refuses a session request that has no token cookie yet", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/_admin/api/storage/sync", nil)
		req.AddCookie(session)
		req.Header.Set(CSRFHeaderName, "guess")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Len(t, rec.Result().Cookies(), 1)
	})
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	NewSecurityHeadersMiddleware(true).Handler(okHandler).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_admin/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestRequestLogger(t *testing.T) {
	rec := httptest.NewRecorder()
	RequestLogger(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandbox-health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

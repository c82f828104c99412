package middleware

import (
	"time"

	"github.com/openclaw/sandbox-controller-go/internal/config"
)

const loginWindowDuration = time.Minute

// NewLoginRateLimiter limits admin login attempts per client IP. The login
// route keeps its own in-process budget so a Redis outage cannot open it up.
func NewLoginRateLimiter(limiter Limiter) *IPRateLimitMiddleware {
	m := NewIPRateLimitMiddleware(limiter, config.AdminLoginRatePerMin, loginWindowDuration, "login")
	m.message = "Too many login attempts. Please try again later."
	return m
}

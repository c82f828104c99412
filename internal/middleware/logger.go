package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// RequestLogger attaches the global logger to each request and writes one
// access line per response. Health probes are logged at debug level.
func RequestLogger(next http.Handler) http.Handler {
	access := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		level := zerolog.InfoLevel
		switch {
		case status >= 500:
			level = zerolog.ErrorLevel
		case status >= 400:
			level = zerolog.WarnLevel
		case r.URL.Path == "/sandbox-health":
			level = zerolog.DebugLevel
		}

		hlog.FromRequest(r).WithLevel(level).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Str("requestId", chimiddleware.GetReqID(r.Context())).
			Msg("request")
	})

	return hlog.NewHandler(log.Logger)(hlog.RemoteAddrHandler("ip")(access(next)))
}

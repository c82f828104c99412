package middleware

import (
	"net/http"

	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/httputil"
)

// DefaultMaxBodySize bounds admin and internal JSON bodies.
const DefaultMaxBodySize = 1 << 20

// BodyLimitMiddleware rejects bodies that declare more than maxSize bytes
// and caps the reader for the ones that do not declare a length.
type BodyLimitMiddleware struct {
	maxSize int64
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

func (m *BodyLimitMiddleware) MaxSize() int64 {
	return m.maxSize
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > m.maxSize {
			httputil.WriteError(w, apperrors.PayloadTooLarge(m.maxSize))
			return
		}

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		}
		next.ServeHTTP(w, r)
	})
}

package accessgate

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type requestIDContextKey string

const requestIDKey requestIDContextKey = "request_id"

// maxRequestIDLen bounds client-supplied ids before they reach logs.
const maxRequestIDLen = 128

// RequestIDOption configures the RequestID middleware.
type RequestIDOption func(*requestIDConfig)

type requestIDConfig struct {
	header string
	trust  bool
}

// WithRequestIDHeader sets the header read and echoed (default: "X-Request-ID").
func WithRequestIDHeader(header string) RequestIDOption {
	return func(c *requestIDConfig) {
		c.header = header
	}
}

// WithTrustedRequestID reuses a well-formed id supplied by the caller instead
// of always generating one. Use behind a proxy that assigns ids.
func WithTrustedRequestID() RequestIDOption {
	return func(c *requestIDConfig) {
		c.trust = true
	}
}

// RequestID assigns every request an id, stores it in the context, echoes it
// in the response header and adds request_id to the request log line.
func RequestID(opts ...RequestIDOption) func(http.Handler) http.Handler {
	cfg := &requestIDConfig{header: "X-Request-ID"}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if cfg.trust {
				id = sanitizeRequestID(r.Header.Get(cfg.header))
			}
			if id == "" {
				id = uuid.NewString()
			}

			setHeader(w, r, cfg.header, id)
			logFields(r.Context(), map[string]any{"request_id": id})

			ctx := context.WithValue(r.Context(), requestIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext returns the id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

func sanitizeRequestID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxRequestIDLen {
		return ""
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return ""
		}
	}
	return id
}

package accessgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/accessgate/metrics"
)

// HandlerOption configures the Handler middleware.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
	metrics        *metrics.Metrics
}

// WithCanonlog enables one canonical log line per request.
// Logs method, path, route, status and duration_ms, plus whatever the guard
// and handlers add (client_id, auth_scheme, auth_reason, errors).
func WithCanonlog() HandlerOption {
	return func(c *handlerConfig) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each log line.
// Called at request start, before the handler executes.
func WithCanonlogFields(fn func(*http.Request) map[string]any) HandlerOption {
	return func(c *handlerConfig) {
		c.canonlogFields = fn
	}
}

// WithMetrics records request count, latency and in-flight requests.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(c *handlerConfig) {
		c.metrics = m
	}
}

// Handler returns middleware that owns the response for the rest of the chain.
// Handlers record results with SetResponse, SetError and SetHeader; Handler
// writes them once, recovers panics as 500s and emits the request log line.
func Handler(opts ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &handlerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)
			start := time.Now()
			done := cfg.metrics.RequestStarted()

			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			r = r.WithContext(ctx)

			defer func() {
				defer done()

				if rec := recover(); rec != nil {
					state.mu.Lock()
					state.err = ErrInternal
					state.mu.Unlock()

					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}

				status := state.Status()
				duration := time.Since(start)
				route := routePattern(r)

				if cfg.canonlog {
					if err := state.Err(); err != nil {
						canonlog.ErrorAdd(ctx, err)
					}
					canonlog.InfoAddMany(ctx, map[string]any{
						"route":       route,
						"status":      status,
						"duration_ms": duration.Milliseconds(),
					})
					canonlog.Flush(ctx)
				}

				cfg.metrics.ObserveRequest(r.Method, route, status, duration)
				writeResponse(w, state)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// routePattern prefers the chi route pattern so that path parameters do not
// explode log and metric cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func writeResponse(w http.ResponseWriter, state *State) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	switch {
	case state.err != nil:
		writeJSON(w, state.err.Status, errorResponse{Error: state.err})
	case state.body != nil:
		writeJSON(w, state.status, state.body)
	case state.status != 0:
		w.WriteHeader(state.status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

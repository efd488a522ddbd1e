package accessgate

// Rate limiting for routes that run before authentication, such as the
// public credential validation endpoint. Requests are keyed by one or more
// request dimensions instead of a client id:
//
//	addrLim := limiter.New(st, limiter.WithPrefix("ip"))
//	rl := accessgate.NewRateLimiter(addrLim, 30,
//	    accessgate.RateLimitWithName("validate"),
//	    accessgate.RateLimitWithIP(),
//	)
//	r.With(rl.Handler).Post("/v1/credentials/validate", h)
//
// Counting, windows and fail mode come from the underlying limiter.Limiter.
// Give it a prefix distinct from the guard's limiter so that no client id
// can address a keyed counter.

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/accessgate/limiter"
	"github.com/nhalm/accessgate/metrics"
	"github.com/nhalm/accessgate/store"
)

// rateLimitKeyFunc extracts a key component from a request.
// An empty string means the value is missing.
type rateLimitKeyFunc func(*http.Request) string

type rateLimitDimension struct {
	fn       rateLimitKeyFunc
	required bool
	name     string
}

// RateLimiter limits requests by request-derived keys.
type RateLimiter struct {
	limiter    *limiter.Limiter
	limit      int64
	name       string
	keyDims    []rateLimitDimension
	headerMode RateLimitHeaderMode
	metrics    *metrics.Metrics
	now        func() time.Time
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithHeaderMode configures when rate limit headers are included in responses.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(l *RateLimiter) {
		l.headerMode = mode
	}
}

// RateLimitWithName prefixes keys so that several limiters can share a store.
func RateLimitWithName(name string) RateLimitOption {
	return func(l *RateLimiter) {
		l.name = name
	}
}

// RateLimitWithMetrics records backing store failures in m.
func RateLimitWithMetrics(m *metrics.Metrics) RateLimitOption {
	return func(l *RateLimiter) {
		l.metrics = m
	}
}

// RateLimitWithClock replaces time.Now for Retry-After computation.
func RateLimitWithClock(now func() time.Time) RateLimitOption {
	return func(l *RateLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// RateLimitWithIP keys on the connection's remote IP.
// Use this for direct connections without a proxy.
func RateLimitWithIP() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					return r.RemoteAddr
				}
				return ip
			},
			name: "IP",
		})
	}
}

// RateLimitWithRealIP keys on the first X-Forwarded-For hop or X-Real-IP.
// Requests carrying neither are rejected with 400.
//
// SECURITY: only use this behind a trusted reverse proxy that sets these
// headers. Without one, clients can spoof X-Forwarded-For to dodge limits.
func RateLimitWithRealIP() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
					first, _, _ := strings.Cut(xff, ",")
					return strings.TrimSpace(first)
				}
				return strings.TrimSpace(r.Header.Get("X-Real-IP"))
			},
			required: true,
			name:     "X-Forwarded-For or X-Real-IP header",
		})
	}
}

// NewRateLimiter creates a keyed limiter allowing limit requests per window of lim.
// Panics if no key dimension is configured.
func NewRateLimiter(lim *limiter.Limiter, limit int, opts ...RateLimitOption) *RateLimiter {
	l := &RateLimiter{
		limiter:    lim,
		limit:      int64(limit),
		headerMode: RateLimitHeadersAlways,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.keyDims) == 0 {
		panic("accessgate: rate limiter needs at least one key dimension (RateLimitWithIP or RateLimitWithRealIP)")
	}
	return l
}

// Handler returns the rate limiting middleware. It answers 429 when the key
// is over its limit, 400 when a required dimension is missing and 503 when the
// backing store is down and the limiter fails closed.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, missingDim := l.buildKey(r)
		if missingDim != "" {
			writeError(w, r, ErrBadRequest.With("Missing required "+missingDim))
			return
		}
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		res, err := l.limiter.Allow(r.Context(), key, l.limit)
		if err != nil {
			logError(r.Context(), err)
			if errors.Is(err, store.ErrUnavailable) {
				l.metrics.StoreFailure("limiter", l.limiter.FailMode().String())
			}
			if !res.Allowed {
				writeError(w, r, ErrBackingStoreUnavailable)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		exceeded := !res.Allowed
		if l.headerMode == RateLimitHeadersAlways || (l.headerMode == RateLimitHeadersOnLimitExceeded && exceeded) {
			setHeader(w, r, "RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			setHeader(w, r, "RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			setHeader(w, r, "RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
			if exceeded {
				setHeader(w, r, "Retry-After", strconv.FormatInt(int64(res.RetryAfter(l.now())/time.Second), 10))
			}
		}

		if exceeded {
			writeError(w, r, ErrRateLimited.With(fmt.Sprintf("Rate limit exceeded: %d requests per %s", l.limit, l.limiter.Window())))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// buildKey joins all dimensions with ':'. A non-empty second return names a
// required dimension that was missing.
func (l *RateLimiter) buildKey(r *http.Request) (string, string) {
	var sb strings.Builder
	sb.Grow(20 + len(l.keyDims)*30)
	hasContent := false

	if l.name != "" {
		sb.WriteString(l.name)
		hasContent = true
	}

	for _, dim := range l.keyDims {
		part := dim.fn(r)
		if part == "" {
			if dim.required {
				return "", dim.name
			}
			continue
		}
		if hasContent {
			sb.WriteByte(':')
		}
		sb.WriteString(part)
		hasContent = true
	}

	if !hasContent {
		return "", ""
	}
	return sb.String(), ""
}

package accessgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nhalm/accessgate/authn"
	"github.com/nhalm/accessgate/limiter"
	"github.com/nhalm/accessgate/metrics"
	"github.com/nhalm/accessgate/store"
)

type guardContextKey string

const clientIDKey guardContextKey = "client_id"

// LimitResolver returns the per-window request ceiling for a client.
//
// Errors wrapping store.ErrUnavailable are a backing store outage and follow
// the limiter's fail mode: 503 when closed, the fallback limit when open. Any
// other error means the client is not entitled to the protected routes and is
// reported as 403 with the error text as the message.
type LimitResolver interface {
	ResolveLimit(ctx context.Context, clientID string) (int64, error)
}

// StaticLimit applies the same ceiling to every client.
type StaticLimit int64

// ResolveLimit returns l for every client.
func (l StaticLimit) ResolveLimit(context.Context, string) (int64, error) {
	return int64(l), nil
}

// RateLimitHeaderMode controls when rate limit headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes RateLimit-* headers on every guarded
	// response, plus Retry-After on 429 (default).
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes the headers only on 429 responses.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever never exposes limits to clients.
	RateLimitHeadersNever
)

// Guard is the single pre-request policy for protected routes: authenticate,
// then rate limit. Apply it once per route group with Handler.
//
// Credential store outages always answer 503 regardless of fail mode; an
// unverified credential is never accepted.
type Guard struct {
	auth       authn.Authenticator
	limiter    *limiter.Limiter
	limits     LimitResolver
	metrics    *metrics.Metrics
	headerMode RateLimitHeaderMode
	now        func() time.Time

	// fallback is the ceiling applied when limits is unavailable and the
	// limiter fails open. Zero lets such requests through uncounted.
	fallback    int64
	callTimeout time.Duration
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// GuardWithMetrics records every decision in m.
func GuardWithMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guard) {
		g.metrics = m
	}
}

// GuardWithHeaderMode configures when rate limit headers are sent.
func GuardWithHeaderMode(mode RateLimitHeaderMode) GuardOption {
	return func(g *Guard) {
		g.headerMode = mode
	}
}

// GuardWithClock replaces time.Now for Retry-After computation.
func GuardWithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// GuardWithFallbackLimit sets the ceiling charged while the LimitResolver is
// unavailable and the limiter fails open.
func GuardWithFallbackLimit(limit int64) GuardOption {
	return func(g *Guard) {
		g.fallback = limit
	}
}

// GuardWithCallTimeout bounds authentication and limit resolution, each of
// which may hit a backing store. Zero disables the bound.
func GuardWithCallTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		g.callTimeout = d
	}
}

// NewGuard composes auth and lim. limits supplies the per-client ceiling.
func NewGuard(auth authn.Authenticator, lim *limiter.Limiter, limits LimitResolver, opts ...GuardOption) *Guard {
	g := &Guard{
		auth:    auth,
		limiter: lim,
		limits:  limits,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Verdict is the full outcome of a guard check.
type Verdict struct {
	Decision authn.Decision
	// Rate is the limiter result. Zero when the limiter was not consulted or
	// the backing store failed open.
	Rate limiter.Result
}

// Check authenticates r and, if that succeeds, charges one request against
// the client's window. It returns the client id on success and the error to
// send otherwise. Unauthenticated requests never reach the limiter.
func (g *Guard) Check(r *http.Request) (string, *APIError) {
	v, apiErr := g.evaluate(r)
	if apiErr != nil {
		return "", apiErr
	}
	return v.Decision.ClientID, nil
}

func (g *Guard) evaluate(r *http.Request) (Verdict, *APIError) {
	ctx := r.Context()

	authCtx, cancel := g.withTimeout(ctx)
	d := g.auth.Authenticate(authCtx, r.Header)
	cancel()
	v := Verdict{Decision: d}
	logFields(ctx, map[string]any{
		"auth_scheme": string(g.auth.Scheme()),
		"auth_reason": string(d.Reason),
	})

	if !d.Authenticated {
		if d.Reason == authn.ReasonUnavailable {
			logError(ctx, fmt.Errorf("authenticate: %w", d.Err))
			g.metrics.StoreFailure("credential", limiter.FailClosed.String())
			g.metrics.GuardDecision(metrics.OutcomeUnavailable, string(d.Reason))
		} else {
			g.metrics.GuardDecision(metrics.OutcomeUnauthenticated, string(d.Reason))
		}
		return v, authError(d.Reason)
	}

	logFields(ctx, map[string]any{"client_id": d.ClientID})

	limitCtx, cancel := g.withTimeout(ctx)
	limit, err := g.limits.ResolveLimit(limitCtx, d.ClientID)
	cancel()
	if err != nil {
		logError(ctx, fmt.Errorf("resolve limit: %w", err))
		if !errors.Is(err, store.ErrUnavailable) {
			g.metrics.GuardDecision(metrics.OutcomeForbidden, "")
			return v, ErrForbidden.With(err.Error())
		}

		mode := g.limiter.FailMode()
		g.metrics.StoreFailure("accounts", mode.String())
		logFields(ctx, map[string]any{"rate_limit_fail_mode": mode.String()})
		if mode == limiter.FailClosed {
			g.metrics.GuardDecision(metrics.OutcomeUnavailable, "limit")
			return v, ErrBackingStoreUnavailable
		}
		if g.fallback <= 0 {
			g.metrics.GuardDecision(metrics.OutcomeAllowed, "fail_open")
			return v, nil
		}
		limit = g.fallback
	}

	res, err := g.limiter.Allow(ctx, d.ClientID, limit)
	if err != nil {
		logError(ctx, err)
		if !errors.Is(err, store.ErrUnavailable) {
			g.metrics.GuardDecision(metrics.OutcomeUnavailable, "limiter")
			return v, ErrInternal
		}
		mode := g.limiter.FailMode()
		g.metrics.StoreFailure("limiter", mode.String())
		logFields(ctx, map[string]any{"rate_limit_fail_mode": mode.String()})
		if !res.Allowed {
			g.metrics.GuardDecision(metrics.OutcomeUnavailable, "limiter")
			return v, ErrBackingStoreUnavailable
		}
		g.metrics.GuardDecision(metrics.OutcomeAllowed, "fail_open")
		return v, nil
	}

	v.Rate = res
	if !res.Allowed {
		g.metrics.GuardDecision(metrics.OutcomeRateLimited, "")
		return v, ErrRateLimited.With(fmt.Sprintf("Rate limit exceeded: %d requests per %s", limit, g.limiter.Window()))
	}

	g.metrics.GuardDecision(metrics.OutcomeAllowed, "")
	return v, nil
}

func (g *Guard) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.callTimeout)
}

// Handler returns the guard middleware. Rejected requests never reach next.
// On success the client id is available through ClientIDFromContext.
//
// Rate limit headers follow draft-ietf-httpapi-ratelimit-headers:
//   - RateLimit-Limit: the ceiling for the current window
//   - RateLimit-Remaining: requests left in the current window
//   - RateLimit-Reset: unix timestamp when the window resets
//   - Retry-After: (only when limited) seconds until the window resets
func (g *Guard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, apiErr := g.evaluate(r)
		g.setRateHeaders(w, r, v.Rate)

		if apiErr != nil {
			writeError(w, r, apiErr)
			return
		}

		ctx := context.WithValue(r.Context(), clientIDKey, v.Decision.ClientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Guard) setRateHeaders(w http.ResponseWriter, r *http.Request, res limiter.Result) {
	if res.Reset.IsZero() {
		return
	}
	switch g.headerMode {
	case RateLimitHeadersNever:
		return
	case RateLimitHeadersOnLimitExceeded:
		if res.Allowed {
			return
		}
	}

	setHeader(w, r, "RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	setHeader(w, r, "RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	setHeader(w, r, "RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	if !res.Allowed {
		retry := res.RetryAfter(g.now())
		setHeader(w, r, "Retry-After", strconv.FormatInt(int64(retry/time.Second), 10))
	}
}

// ClientIDFromContext returns the client id set by Guard.Handler.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey).(string)
	return id, ok && id != ""
}

// WithClientID returns a copy of ctx carrying clientID, as Guard.Handler does.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

package accessgate

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nhalm/accessgate/limiter"
	"github.com/nhalm/accessgate/store"
)

func newKeyedLimiter(t *testing.T, limit int, opts ...RateLimitOption) http.Handler {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })

	rl := NewRateLimiter(limiter.New(mem, limiter.WithClock(guardClock)), limit,
		append([]RateLimitOption{RateLimitWithClock(guardClock)}, opts...)...)
	return Handler()(rl.Handler(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})))
}

func requestFrom(remoteAddr string, headers ...string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/credentials/validate", http.NoBody)
	req.RemoteAddr = remoteAddr
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return req
}

func TestRateLimiter_ByIP(t *testing.T) {
	handler := newKeyedLimiter(t, 2, RateLimitWithName("validate"), RateLimitWithIP())

	for i := range 2 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestFrom("10.0.0.1:1234"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom("10.0.0.1:5678"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("RateLimit-Remaining"); got != "0" {
		t.Errorf("RateLimit-Remaining = %s, want 0", got)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %s, want 30", got)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom("10.0.0.2:1234"))
	if rec.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want 200", rec.Code)
	}
}

func TestRateLimiter_RealIP(t *testing.T) {
	handler := newKeyedLimiter(t, 1, RateLimitWithRealIP())

	tests := []struct {
		name    string
		headers []string
		want    int
	}{
		{"first forwarded hop", []string{"X-Forwarded-For", "203.0.113.7, 10.0.0.1"}, http.StatusOK},
		{"same client via X-Real-IP", []string{"X-Real-IP", "203.0.113.7"}, http.StatusTooManyRequests},
		{"different client", []string{"X-Forwarded-For", "203.0.113.8"}, http.StatusOK},
		{"no proxy headers", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestFrom("10.0.0.1:1", tt.headers...))
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestRateLimiter_FailMode(t *testing.T) {
	tests := []struct {
		mode limiter.FailMode
		want int
	}{
		{limiter.FailClosed, http.StatusServiceUnavailable},
		{limiter.FailOpen, http.StatusOK},
	}

	for _, tt := range tests {
		rl := NewRateLimiter(limiter.New(downCounter{}, limiter.WithFailMode(tt.mode)), 5, RateLimitWithIP())
		handler := Handler()(rl.Handler(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			SetResponse(r, http.StatusOK, nil)
		})))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestFrom("10.0.0.1:1"))
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.mode, rec.Code, tt.want)
		}
	}
}

func TestRateLimiter_HeaderModeNever(t *testing.T) {
	handler := newKeyedLimiter(t, 1, RateLimitWithIP(), RateLimitWithHeaderMode(RateLimitHeadersNever))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom("10.0.0.1:1"))
	if rec.Header().Get("RateLimit-Limit") != "" {
		t.Error("expected no rate limit headers")
	}
}

func TestNewRateLimiter_PanicsWithoutDimensions(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic without key dimensions")
		}
	}()
	NewRateLimiter(limiter.New(downCounter{}), 1)
}

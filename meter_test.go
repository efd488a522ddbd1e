package accessgate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nhalm/accessgate/metrics"
)

type usageCall struct {
	clientID string
	endpoint string
	cost     int64
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []usageCall
	err   error
}

func (f *fakeRecorder) RecordUsage(_ context.Context, clientID, endpoint string, cost int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, usageCall{clientID, endpoint, cost})
	return nil
}

func meteredRouter(rec UsageRecorder, m *metrics.Metrics, clientID string, fail bool) http.Handler {
	r := chi.NewRouter()
	r.Use(Handler(WithCanonlog()))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if clientID != "" {
				r = r.WithContext(WithClientID(r.Context(), clientID))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(Meter(rec, 2, MeterWithMetrics(m)))
	r.Get("/cvar/{op}", func(_ http.ResponseWriter, r *http.Request) {
		if fail {
			SetError(r, ErrBadRequest)
			return
		}
		SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func TestMeter(t *testing.T) {
	tests := []struct {
		name      string
		clientID  string
		fail      bool
		wantCalls int
	}{
		{"success", "alice", false, 1},
		{"handler error", "alice", true, 0},
		{"no client", "", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := metrics.New(metrics.Options{Registerer: prometheus.NewRegistry()})
			if err != nil {
				t.Fatalf("metrics.New() error = %v", err)
			}
			recorder := &fakeRecorder{}
			rec := httptest.NewRecorder()
			meteredRouter(recorder, m, tt.clientID, tt.fail).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cvar/status", http.NoBody))

			if len(recorder.calls) != tt.wantCalls {
				t.Fatalf("recorded %d calls, want %d", len(recorder.calls), tt.wantCalls)
			}
			if tt.wantCalls == 0 {
				return
			}
			want := usageCall{"alice", "/cvar/{op}", 2}
			if recorder.calls[0] != want {
				t.Errorf("recorded %+v, want %+v", recorder.calls[0], want)
			}
			if got := testutil.ToFloat64(m.Usage.WithLabelValues("/cvar/{op}")); got != 2 {
				t.Errorf("usage metric = %f, want 2", got)
			}
		})
	}
}

func TestMeter_RecorderFailureKeepsResponse(t *testing.T) {
	recorder := &fakeRecorder{err: errors.New("disk full")}
	rec := httptest.NewRecorder()
	meteredRouter(recorder, nil, "alice", false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cvar/status", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

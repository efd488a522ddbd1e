package accessgate

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nhalm/accessgate/metrics"
)

// UsageRecorder persists one metered call. Cost is in credits.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, clientID, endpoint string, cost int64) error
}

// MeterOption configures Meter.
type MeterOption func(*meterConfig)

type meterConfig struct {
	metrics *metrics.Metrics
}

// MeterWithMetrics also adds the cost to the usage counter.
func MeterWithMetrics(m *metrics.Metrics) MeterOption {
	return func(c *meterConfig) {
		c.metrics = m
	}
}

// Meter records cost against the guarded client after every successful
// request. It must run behind Guard.Handler and inside Handler: requests
// without a client id or that end in an error are not metered. A failed
// write is logged and never changes the response.
func Meter(recorder UsageRecorder, cost int64, opts ...MeterOption) func(http.Handler) http.Handler {
	cfg := &meterConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)

			clientID, ok := ClientIDFromContext(r.Context())
			if !ok {
				return
			}
			state := getState(r.Context())
			if state == nil || state.Status() >= http.StatusBadRequest {
				return
			}

			endpoint := routePattern(r)
			if err := recorder.RecordUsage(r.Context(), clientID, endpoint, cost); err != nil {
				logError(r.Context(), fmt.Errorf("record usage: %w", err))
				return
			}
			cfg.metrics.UsageRecorded(endpoint, float64(cost))
		})
	}
}

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/accessgate"
	"github.com/nhalm/accessgate/metrics"
)

// analyticsServices are mounted behind the guard, one route group each.
var analyticsServices = []string{"cvar", "wasserstein", "heavy-tail", "kolmogorov"}

func (a *api) routes(guard *accessgate.Guard, validateLimit *accessgate.RateLimiter, m *metrics.Metrics) http.Handler {
	requestIDOpts := []accessgate.RequestIDOption{accessgate.WithRequestIDHeader(a.cfg.Server.RequestIDHeader)}
	if a.cfg.Server.TrustProxy {
		requestIDOpts = append(requestIDOpts, accessgate.WithTrustedRequestID())
	}

	r := chi.NewRouter()
	r.Use(accessgate.Handler(
		accessgate.WithCanonlog(),
		accessgate.WithCanonlogFields(requestLogFields),
		accessgate.WithMetrics(m),
	))
	r.Use(accessgate.RequestID(requestIDOpts...))
	r.Use(accessgate.MaxBodySize(a.cfg.Server.MaxBodyBytes))

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.With(validateLimit.Handler).Post("/v1/credentials/validate", a.validateCredential)

	r.Group(func(r chi.Router) {
		r.Use(guard.Handler)

		r.Post("/v1/credentials/rotate", a.rotateCredential)
		r.Get("/v1/usage", a.usage)

		r.Group(func(r chi.Router) {
			if a.accounts != nil {
				r.Use(accessgate.Meter(a.accounts, a.cfg.Metering.Cost, accessgate.MeterWithMetrics(m)))
			}
			for _, svc := range analyticsServices {
				r.Route("/"+svc, func(r chi.Router) {
					r.Get("/status", a.serviceStatus(svc))
				})
			}
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(accessgate.AdminKey(a.cfg.Admin.Key, accessgate.WithAdminKeyHeader(a.cfg.Admin.Header)))

		r.Route("/clients/{clientID}", func(r chi.Router) {
			r.Use(clientIDParam)

			r.Post("/credentials", a.issueCredential)
			r.Post("/tokens", a.mintToken)
			r.Delete("/limit", a.resetLimit)

			r.With(a.requireAccounts).Put("/", a.putClient)
			r.With(a.requireAccounts).Get("/", a.getClient)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAccounts)

			r.Post("/plans", a.putPlan)
			r.Get("/plans", a.listPlans)
			r.Get("/usage", a.clientUsage)
			r.Get("/usage/records", a.usageRecords)
		})
	})

	return r
}

func (a *api) requireAccounts(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.accounts == nil {
			accessgate.SetError(r, accessgate.ErrNotImplemented.With("Accounts are not configured"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogFields(r *http.Request) map[string]any {
	return map[string]any{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
	}
}

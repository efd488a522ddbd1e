// Package server assembles the gateway HTTP service: the chi router, the
// guard over protected routes, credential and admin endpoints, and the
// http.Server lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nhalm/accessgate"
	"github.com/nhalm/accessgate/account"
	"github.com/nhalm/accessgate/authn"
	"github.com/nhalm/accessgate/config"
	"github.com/nhalm/accessgate/credential"
	"github.com/nhalm/accessgate/limiter"
	"github.com/nhalm/accessgate/metrics"
	"github.com/nhalm/accessgate/store"
)

// Accounts is the plan, client and usage repository. Satisfied by
// *account.SQLite.
type Accounts interface {
	account.Lookup
	accessgate.UsageRecorder
	UpsertPlan(ctx context.Context, p account.Plan) error
	ListPlans(ctx context.Context, activeOnly bool) ([]account.Plan, error)
	UpsertClient(ctx context.Context, c account.Client) (account.Client, error)
	UsageSince(ctx context.Context, clientID string, since time.Time) (account.UsageSummary, error)
	Records(ctx context.Context, clientID string, since time.Time, limit uint64) ([]account.UsageRecord, error)
	Ping(ctx context.Context) error
}

// Deps are the collaborators constructed by main and injected here.
type Deps struct {
	Config *config.Config
	Store  store.Store

	// Accounts may be nil: every client then gets the default limit and
	// usage is not metered.
	Accounts Accounts

	// Metrics may be nil to disable instrumentation and /metrics.
	Metrics *metrics.Metrics

	Logger *zap.Logger

	// Now replaces time.Now, mostly for tests.
	Now func() time.Time
}

// Server is the gateway HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *zap.SugaredLogger
}

// New wires the gateway from deps.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Store == nil {
		return nil, errors.New("server: config and store are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	logger := deps.Logger.Sugar().With("component", "server")

	if err := registerValidations(); err != nil {
		return nil, fmt.Errorf("register validations: %w", err)
	}

	creds := credential.New(deps.Store, credential.WithClock(deps.Now))

	authCfg := cfg.Authn()
	authCfg.Now = deps.Now
	auth, err := authn.New(authCfg, creds)
	if err != nil {
		return nil, fmt.Errorf("build authenticator: %w", err)
	}

	var issuer *authn.Issuer
	if auth.Scheme() == authn.SchemeJWT {
		var opts []authn.JWTOption
		if cfg.Auth.JWTIssuer != "" {
			opts = append(opts, authn.WithIssuer(cfg.Auth.JWTIssuer))
		}
		opts = append(opts, authn.WithTimeFunc(deps.Now))
		issuer, err = authn.NewIssuer([]byte(cfg.Auth.JWTSecret), opts...)
		if err != nil {
			return nil, fmt.Errorf("build token issuer: %w", err)
		}
	}

	limiterOpts := []limiter.Option{
		limiter.WithWindow(cfg.RateLimit.Window.Std()),
		limiter.WithFailMode(cfg.FailMode()),
		limiter.WithCallTimeout(cfg.RateLimit.CallTimeout.Std()),
		limiter.WithClock(deps.Now),
	}
	lim := limiter.New(deps.Store, limiterOpts...)
	// Address counters live under their own prefix so no client id can
	// collide with them.
	addrLim := limiter.New(deps.Store, append(limiterOpts, limiter.WithPrefix("ip"))...)

	var limits accessgate.LimitResolver = accessgate.StaticLimit(cfg.RateLimit.DefaultLimit)
	if deps.Accounts != nil {
		limits = account.NewLimitResolver(deps.Accounts, cfg.RateLimit.DefaultLimit, account.WithResolverClock(deps.Now))
	}

	headerMode, err := parseHeaderMode(cfg.RateLimit.HeaderMode)
	if err != nil {
		return nil, err
	}

	a := &api{
		cfg:      cfg,
		store:    deps.Store,
		creds:    creds,
		scheme:   auth.Scheme(),
		issuer:   issuer,
		limiter:  lim,
		limits:   limits,
		accounts: deps.Accounts,
		logger:   logger,
		now:      deps.Now,
	}

	guard := accessgate.NewGuard(auth, lim, limits,
		accessgate.GuardWithMetrics(deps.Metrics),
		accessgate.GuardWithHeaderMode(headerMode),
		accessgate.GuardWithClock(deps.Now),
		accessgate.GuardWithCallTimeout(cfg.RateLimit.CallTimeout.Std()),
		accessgate.GuardWithFallbackLimit(cfg.RateLimit.DefaultLimit),
	)

	addrKey := accessgate.RateLimitWithIP()
	if cfg.Server.TrustProxy {
		addrKey = accessgate.RateLimitWithRealIP()
	}
	validateLimit := accessgate.NewRateLimiter(addrLim, cfg.RateLimit.ValidatePerIP,
		accessgate.RateLimitWithName("validate"),
		addrKey,
		accessgate.RateLimitWithHeaderMode(headerMode),
		accessgate.RateLimitWithMetrics(deps.Metrics),
		accessgate.RateLimitWithClock(deps.Now),
	)

	router := a.routes(guard, validateLimit, deps.Metrics)

	logger.Infow("gateway configured",
		"auth_scheme", string(auth.Scheme()),
		"window", lim.Window().String(),
		"default_limit", cfg.RateLimit.DefaultLimit,
		"fail_mode", lim.FailMode().String(),
		"accounts", deps.Accounts != nil,
		"trust_proxy", cfg.Server.TrustProxy,
	)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           router,
			ReadTimeout:       cfg.Server.ReadTimeout.Std(),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.Server.WriteTimeout.Std(),
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Infow("server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Errorw("server failed", "error", err)
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Errorw("server shutdown error", "error", err)
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func parseHeaderMode(s string) (accessgate.RateLimitHeaderMode, error) {
	switch s {
	case "", "always":
		return accessgate.RateLimitHeadersAlways, nil
	case "on_limit":
		return accessgate.RateLimitHeadersOnLimitExceeded, nil
	case "never":
		return accessgate.RateLimitHeadersNever, nil
	default:
		return 0, fmt.Errorf("server: unknown rate limit header mode %q", s)
	}
}

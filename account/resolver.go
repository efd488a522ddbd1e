package account

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInactive is returned for a client that has been deactivated.
	ErrInactive = errors.New("client is inactive")

	// ErrTrialExpired is returned for a client without a plan whose trial has ended.
	ErrTrialExpired = errors.New("trial period has ended, subscribe to a plan")

	// ErrPlanInactive is returned when the client's plan is missing or retired.
	ErrPlanInactive = errors.New("plan is not active")
)

// Lookup is the read side of the repository used to resolve limits.
type Lookup interface {
	GetClient(ctx context.Context, id string) (Client, error)
	GetPlan(ctx context.Context, id string) (Plan, error)
}

// LimitResolver maps a client to its per-window request ceiling.
//
// Clients unknown to the repository get the default limit, so credentials
// issued without an account record keep working. Known clients are checked
// for activity, trial expiry and plan status.
type LimitResolver struct {
	repo         Lookup
	defaultLimit int64
	now          func() time.Time
}

// NewLimitResolver returns a resolver backed by repo.
func NewLimitResolver(repo Lookup, defaultLimit int64, opts ...ResolverOption) *LimitResolver {
	r := &LimitResolver{
		repo:         repo,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolverOption configures a LimitResolver.
type ResolverOption func(*LimitResolver)

// WithResolverClock replaces time.Now for trial checks.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *LimitResolver) {
		if now != nil {
			r.now = now
		}
	}
}

// ResolveLimit returns the request ceiling for clientID. Repository failures
// are returned as-is and wrap store.ErrUnavailable.
func (r *LimitResolver) ResolveLimit(ctx context.Context, clientID string) (int64, error) {
	c, err := r.repo.GetClient(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return r.defaultLimit, nil
	}
	if err != nil {
		return 0, err
	}

	if !c.Active {
		return 0, ErrInactive
	}

	if c.PlanID == "" {
		if c.TrialEndsAt != nil && !r.now().Before(*c.TrialEndsAt) {
			return 0, ErrTrialExpired
		}
		return r.defaultLimit, nil
	}

	p, err := r.repo.GetPlan(ctx, c.PlanID)
	if errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrPlanInactive, c.PlanID)
	}
	if err != nil {
		return 0, err
	}
	if !p.Active {
		return 0, fmt.Errorf("%w: %s", ErrPlanInactive, p.ID)
	}
	return p.RequestsPerMinute, nil
}

// Package account stores plans, clients and metered usage in SQLite, and
// derives each client's rate limit from its plan.
package account

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a plan or client does not exist.
	ErrNotFound = errors.New("account: not found")

	// ErrInvalid is returned for records missing required fields.
	ErrInvalid = errors.New("account: invalid record")
)

// Plan is a subscription tier. RequestsPerMinute is the per-window ceiling
// applied by the rate limiter.
type Plan struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	PriceCents        int64  `json:"price_cents"`
	Description       string `json:"description,omitempty"`
	RequestsPerMinute int64  `json:"requests_per_minute"`
	Active            bool   `json:"active"`
}

// Client is an API consumer. PlanID is empty for clients on the default
// allowance, typically during a trial.
type Client struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Email       string     `json:"email,omitempty"`
	PlanID      string     `json:"plan_id,omitempty"`
	Active      bool       `json:"active"`
	TrialEndsAt *time.Time `json:"trial_ends_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// UsageRecord is one metered call. Cost is in credits.
type UsageRecord struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Endpoint  string    `json:"endpoint"`
	Cost      int64     `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
}

// EndpointUsage aggregates usage for one endpoint.
type EndpointUsage struct {
	Endpoint string `json:"endpoint"`
	Calls    int64  `json:"calls"`
	Cost     int64  `json:"cost"`
}

// UsageSummary aggregates a client's usage since a point in time.
type UsageSummary struct {
	ClientID  string          `json:"client_id"`
	Since     time.Time       `json:"since"`
	Calls     int64           `json:"calls"`
	Cost      int64           `json:"cost"`
	Endpoints []EndpointUsage `json:"endpoints"`
}

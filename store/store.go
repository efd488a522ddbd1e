// Package store provides the backing stores for rate limit counters and
// issued credentials.
//
// Two implementations share the same contract: Memory for single-instance
// deployments and tests, and Redis for anything that runs more than one
// replica. Callers receive errors wrapped with ErrUnavailable whenever the
// backing service could not be reached, so the policy layer can apply its
// fail-open or fail-closed setting without inspecting driver errors.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key holds no value.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable wraps any failure to reach the backing service.
	ErrUnavailable = errors.New("store: backing store unavailable")
)

// Counter is a set of fixed-window counters.
// Implementations must be safe for concurrent use.
type Counter interface {
	// IncrementBelow increments the counter for key only if its current value is
	// below limit. It returns the counter value after the call, whether the
	// increment happened, and the time left before the key expires.
	// The read, comparison and increment are a single atomic operation.
	// A newly created key expires after ttl.
	IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (count int64, ok bool, remaining time.Duration, err error)

	// Count returns the current value for key, or 0 if it does not exist.
	Count(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for key.
	Reset(ctx context.Context, key string) error
}

// KV is a string key-value store without expiry.
// Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
}

// Store is a backend that serves both counters and credentials.
type Store interface {
	Counter
	KV

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Package limiter implements per-client fixed-window rate limiting.
//
// Each client gets one counter per window, keyed by the window index
// floor(unix_time / window). A request is allowed only while the counter is
// below the limit, and denied requests are never counted, so a client that is
// throttled for the rest of a window starts the next one with full capacity.
//
// The window boundary is a hard cutoff: a burst straddling it can see up to
// 2x the limit across the two windows. Counter keys carry a TTL of one window
// so the backing store reclaims them; reset semantics come from the key itself.
//
// When the backing store is unreachable the limiter does not guess: it applies
// the configured FailMode and returns the decision together with the error.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/accessgate/store"
)

// DefaultWindow is the window length used when none is configured.
const DefaultWindow = time.Minute

// DefaultPrefix namespaces counter keys when WithPrefix is not used.
const DefaultPrefix = "limit"

// ErrEmptyClientID is returned by Allow when called without a client id.
var ErrEmptyClientID = errors.New("limiter: empty client id")

// FailMode decides what Allow returns when the backing store fails.
type FailMode int

const (
	// FailClosed denies requests while the backing store is unavailable (default).
	FailClosed FailMode = iota

	// FailOpen allows requests while the backing store is unavailable.
	FailOpen
)

// String returns "closed" or "open".
func (m FailMode) String() string {
	if m == FailOpen {
		return "open"
	}
	return "closed"
}

// ParseFailMode parses "open" or "closed" (case-insensitive).
func ParseFailMode(s string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return FailOpen, nil
	case "closed", "":
		return FailClosed, nil
	default:
		return FailClosed, fmt.Errorf("limiter: unknown fail mode %q", s)
	}
}

// Result is the outcome of a single Allow call.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// Reset is when the current window ends.
	Reset time.Time
	// Window is the index of the current window.
	Window int64
}

// RetryAfter returns the time until the window resets, rounded up to whole seconds.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.Reset.Sub(now)
	if d <= 0 {
		return 0
	}
	return (d + time.Second - 1).Truncate(time.Second)
}

// Limiter enforces a fixed-window request ceiling per client.
// Safe for concurrent use.
type Limiter struct {
	counter     store.Counter
	prefix      string
	window      time.Duration
	failMode    FailMode
	callTimeout time.Duration
	now         func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow sets the window length (default: one minute).
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d >= time.Second {
			l.window = d
		}
	}
}

// WithPrefix namespaces counter keys as "<prefix>:<id>:<window>". Limiters
// sharing a store need distinct prefixes to keep their counters apart.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithFailMode sets the behaviour when the backing store fails (default: FailClosed).
func WithFailMode(m FailMode) Option {
	return func(l *Limiter) {
		l.failMode = m
	}
}

// WithCallTimeout bounds every backing store call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		l.callTimeout = d
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a limiter over counter.
func New(counter store.Counter, opts ...Option) *Limiter {
	l := &Limiter{
		counter:  counter,
		prefix:   DefaultPrefix,
		window:   DefaultWindow,
		failMode: FailClosed,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// FailMode returns the configured failure policy.
func (l *Limiter) FailMode() FailMode {
	return l.failMode
}

// Allow records one request for clientID if it is still under limit in the
// current window and reports whether the request may proceed.
//
// A non-positive limit denies every request. If the backing store fails, the
// returned Result reflects the fail mode and the error wraps store.ErrUnavailable.
func (l *Limiter) Allow(ctx context.Context, clientID string, limit int64) (Result, error) {
	if clientID == "" {
		return Result{}, ErrEmptyClientID
	}

	window, reset := l.currentWindow()
	res := Result{
		Limit:  limit,
		Reset:  reset,
		Window: window,
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	count, ok, _, err := l.counter.IncrementBelow(ctx, l.windowKey(clientID, window), limit, l.window)
	if err != nil {
		res.Allowed = l.failMode == FailOpen
		return res, l.unavailable(clientID, err)
	}

	res.Allowed = ok
	res.Remaining = max(0, limit-count)
	return res, nil
}

// Peek reports the state of the current window without recording a request.
func (l *Limiter) Peek(ctx context.Context, clientID string, limit int64) (Result, error) {
	if clientID == "" {
		return Result{}, ErrEmptyClientID
	}

	window, reset := l.currentWindow()
	res := Result{
		Limit:  limit,
		Reset:  reset,
		Window: window,
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	count, err := l.counter.Count(ctx, l.windowKey(clientID, window))
	if err != nil {
		return res, l.unavailable(clientID, err)
	}

	res.Remaining = max(0, limit-count)
	res.Allowed = count < limit
	return res, nil
}

// Reset clears the current window for clientID so it starts again with full
// capacity. Earlier windows expire on their own.
func (l *Limiter) Reset(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrEmptyClientID
	}

	window, _ := l.currentWindow()

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	if err := l.counter.Reset(ctx, l.windowKey(clientID, window)); err != nil {
		return l.unavailable(clientID, err)
	}
	return nil
}

func (l *Limiter) currentWindow() (int64, time.Time) {
	size := l.window.Nanoseconds()
	window := l.now().UnixNano() / size
	return window, time.Unix(0, (window+1)*size)
}

func (l *Limiter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.callTimeout)
}

func (l *Limiter) unavailable(clientID string, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return fmt.Errorf("rate limit for %s: %w", clientID, err)
	}
	return fmt.Errorf("rate limit for %s: %w: %w", clientID, store.ErrUnavailable, err)
}

func (l *Limiter) windowKey(clientID string, window int64) string {
	var sb strings.Builder
	sb.Grow(len(l.prefix) + len(clientID) + 22)
	sb.WriteString(l.prefix)
	sb.WriteByte(':')
	sb.WriteString(clientID)
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatInt(window, 10))
	return sb.String()
}

package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count      int64
	expiration time.Time
}

// Memory is an in-memory implementation of Store using maps with mutex protection.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Every replica keeps its own counters and credentials, so limits are enforced
// per instance and a secret issued on one replica is unknown to the others.
//
// Use Memory only for:
//   - Local development and testing
//   - Single-instance deployments where horizontal scaling is not needed
//
// For production distributed systems, use the Redis store instead.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	values  map[string]string
	stopCh  chan struct{}
	closed  bool
}

// NewMemory creates a new in-memory store with automatic cleanup of expired counters.
// A background goroutine runs every minute to remove expired counters and prevent
// unbounded memory growth.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
// Failing to call Close() will result in a goroutine leak.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		values:  make(map[string]string),
		stopCh:  make(chan struct{}),
	}

	go m.cleanup()
	return m
}

// IncrementBelow increments the counter for key if it is below limit.
// The check and the increment happen under one write lock.
//
// The context parameter is accepted for interface compatibility but is not used.
func (m *Memory) IncrementBelow(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, false, 0, ErrUnavailable
	}

	now := time.Now()
	entry, exists := m.entries[key]
	if exists && now.After(entry.expiration) {
		delete(m.entries, key)
		exists = false
	}

	if !exists {
		if limit <= 0 {
			return 0, false, ttl, nil
		}
		m.entries[key] = &memoryEntry{
			count:      1,
			expiration: now.Add(ttl),
		}
		return 1, true, ttl, nil
	}

	remaining := max(0, entry.expiration.Sub(now))
	if entry.count >= limit {
		return entry.count, false, remaining, nil
	}

	entry.count++
	return entry.count, true, remaining, nil
}

// Count returns the current value of the counter for key.
// Returns 0 if the key doesn't exist or has expired.
func (m *Memory) Count(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrUnavailable
	}

	entry, exists := m.entries[key]
	if !exists || time.Now().After(entry.expiration) {
		return 0, nil
	}
	return entry.count, nil
}

// Reset removes the counter for key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrUnavailable
	}
	delete(m.entries, key)
	return nil
}

// Get returns the value stored under key.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", ErrUnavailable
	}

	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores value under key.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrUnavailable
	}

	m.values[key] = value
	return nil
}

// Ping reports ErrUnavailable once the store has been closed.
func (m *Memory) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrUnavailable
	}
	return nil
}

// Close stops the background cleanup goroutine and releases resources.
// Calls after the first are no-ops.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.entries = nil
	m.values = nil
	return nil
}

// runCleanup removes every expired counter once. cleanup calls it on each
// tick, and tests call it directly instead of waiting for the ticker.
func (m *Memory) runCleanup() {
	now := time.Now()
	var expiredKeys []string

	m.mu.RLock()
	for key, entry := range m.entries {
		if now.After(entry.expiration) {
			expiredKeys = append(expiredKeys, key)
		}
	}
	m.mu.RUnlock()

	if len(expiredKeys) > 0 {
		m.mu.Lock()
		now := time.Now()
		for _, key := range expiredKeys {
			if entry, exists := m.entries[key]; exists && now.After(entry.expiration) {
				delete(m.entries, key)
			}
		}
		m.mu.Unlock()
	}
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}

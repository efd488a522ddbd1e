package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrBelowScript atomically compares a counter with a limit and increments it
// only when it is below the limit. The TTL is set when the key is created, so
// every window key is reclaimed one window after its first request.
// Returns [count, incremented (0|1), pttl_ms].
var incrBelowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
    return {current, 0, redis.call('PTTL', KEYS[1])}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {count, 1, redis.call('PTTL', KEYS[1])}
`)

// Redis is a Redis-backed implementation of Store suitable for distributed deployments.
// Counter updates run as a Lua script so concurrent requests from any number of
// replicas are serialized by the Redis server.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code from environment
// variables, config files, or other sources. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys (default: "accessgate:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "accessgate:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "accessgate:"
	}

	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
	}, nil
}

// IncrementBelow runs the compare-and-increment script for key.
func (r *Redis) IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, time.Duration, error) {
	fullKey := r.prefix + key
	ttlMillis := max(1, ttl.Milliseconds())

	result, err := incrBelowScript.Run(ctx, r.client, []string{fullKey}, limit, ttlMillis).Slice()
	if err != nil {
		return 0, false, 0, fmt.Errorf("%w: redis increment: %w", ErrUnavailable, err)
	}

	if len(result) != 3 {
		return 0, false, 0, fmt.Errorf("unexpected result length: got %d, want 3", len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, false, 0, fmt.Errorf("unexpected type for count: %T", result[0])
	}

	incremented, ok := result[1].(int64)
	if !ok {
		return 0, false, 0, fmt.Errorf("unexpected type for incremented flag: %T", result[1])
	}

	pttl, ok := result[2].(int64)
	if !ok {
		return 0, false, 0, fmt.Errorf("unexpected type for ttl: %T", result[2])
	}

	remaining := time.Duration(pttl) * time.Millisecond
	if pttl < 0 {
		// -2: key absent (limit <= 0), -1: key without expiry.
		remaining = ttl
	}

	return count, incremented == 1, remaining, nil
}

// Count returns the current value of the counter for key.
// Returns 0 if the key doesn't exist or has expired.
func (r *Redis) Count(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: redis get: %w", ErrUnavailable, err)
	}
	return val, nil
}

// Reset removes the counter for key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: redis reset: %w", ErrUnavailable, err)
	}
	return nil
}

// Get returns the value stored under key.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: redis get: %w", ErrUnavailable, err)
	}
	return val, nil
}

// Set stores value under key without expiry.
func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %w", ErrUnavailable, err)
	}
	return nil
}

// Ping checks connectivity to the Redis server.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Package config loads gateway configuration from a YAML file, an optional
// .env file and ACCESSGATE_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/nhalm/accessgate/authn"
	"github.com/nhalm/accessgate/limiter"
)

// Duration is a time.Duration written as a string ("30s", "1m") in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full gateway configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
	Store     Store     `yaml:"store"`
	Auth      Auth      `yaml:"auth"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Accounts  Accounts  `yaml:"accounts"`
	Admin     Admin     `yaml:"admin"`
	Metering  Metering  `yaml:"metering"`
}

type Server struct {
	Addr            string   `yaml:"addr" validate:"required"`
	ReadTimeout     Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes" validate:"gt=0"`

	// RequestIDHeader is read and echoed by the request id middleware.
	RequestIDHeader string `yaml:"request_id_header" validate:"required"`

	// TrustProxy is set when the gateway sits behind a reverse proxy that
	// assigns X-Forwarded-For and request ids. Per-address limits then key on
	// the forwarded address and caller request ids are reused.
	TrustProxy bool `yaml:"trust_proxy"`
}

type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

type Store struct {
	// Backend is "memory" for a single process or "redis" when several
	// gateway instances share counters and secrets.
	Backend string `yaml:"backend" validate:"oneof=memory redis"`
	Redis   Redis  `yaml:"redis"`
}

type Redis struct {
	Addr        string   `yaml:"addr"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db" validate:"gte=0"`
	DialTimeout Duration `yaml:"dial_timeout" validate:"gte=0"`
}

type Auth struct {
	Scheme            string   `yaml:"scheme" validate:"oneof=bearer jwt proxy"`
	ClientIDHeader    string   `yaml:"client_id_header"`
	JWTSecret         string   `yaml:"jwt_secret"`
	JWTIssuer         string   `yaml:"jwt_issuer"`
	JWTLeeway         Duration `yaml:"jwt_leeway" validate:"gte=0"`
	TokenTTL          Duration `yaml:"token_ttl" validate:"gte=0"`
	ProxySecret       string   `yaml:"proxy_secret"`
	ProxySecretHeader string   `yaml:"proxy_secret_header"`
	ProxyUserHeader   string   `yaml:"proxy_user_header"`
}

type RateLimit struct {
	Window       Duration `yaml:"window"`
	DefaultLimit int64    `yaml:"default_limit" validate:"gte=0"`
	FailMode     string   `yaml:"fail_mode" validate:"oneof=open closed"`
	CallTimeout  Duration `yaml:"call_timeout" validate:"gte=0"`
	HeaderMode   string   `yaml:"header_mode" validate:"oneof=always on_limit never"`

	// ValidatePerIP caps calls per window to the public credential
	// validation endpoint from one address.
	ValidatePerIP int `yaml:"validate_per_ip" validate:"gt=0"`
}

type Accounts struct {
	// Path to the SQLite database. Empty disables plans and usage metering;
	// every client then gets RateLimit.DefaultLimit.
	Path string `yaml:"path"`
}

type Admin struct {
	// Key guards the /admin routes. Empty disables them.
	Key string `yaml:"key"`

	// Header carries the admin key.
	Header string `yaml:"header" validate:"required"`
}

type Metering struct {
	// Cost is the credit cost recorded per successful analytics call.
	Cost int64 `yaml:"cost" validate:"gte=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			MaxBodyBytes:    1 << 20,
			RequestIDHeader: "X-Request-ID",
		},
		Log:   Log{Level: "info"},
		Store: Store{Backend: "memory", Redis: Redis{DialTimeout: Duration(5 * time.Second)}},
		Auth: Auth{
			Scheme:   string(authn.SchemeBearer),
			TokenTTL: Duration(time.Hour),
		},
		RateLimit: RateLimit{
			Window:        Duration(limiter.DefaultWindow),
			DefaultLimit:  60,
			FailMode:      limiter.FailClosed.String(),
			CallTimeout:   Duration(200 * time.Millisecond),
			HeaderMode:    "always",
			ValidatePerIP: 30,
		},
		Admin:    Admin{Header: "X-Admin-Key"},
		Metering: Metering{Cost: 1},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
// envFiles are loaded with godotenv; when none are given ".env" is tried and
// silently skipped if absent. Variables already set in the environment win
// over .env entries.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules of the
// selected backend and auth scheme.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return errors.New("invalid config: store.redis.addr is required for the redis backend")
	}
	if c.RateLimit.Window.Std() < time.Second {
		return errors.New("invalid config: rate_limit.window must be at least 1s")
	}

	switch authn.Scheme(c.Auth.Scheme) {
	case authn.SchemeJWT:
		if len(c.Auth.JWTSecret) < 32 {
			return errors.New("invalid config: auth.jwt_secret must be at least 32 bytes for the jwt scheme")
		}
		if c.Auth.TokenTTL.Std() <= 0 {
			return errors.New("invalid config: auth.token_ttl must be positive for the jwt scheme")
		}
	case authn.SchemeProxy:
		if c.Auth.ProxySecret == "" {
			return errors.New("invalid config: auth.proxy_secret is required for the proxy scheme")
		}
	}
	return nil
}

// Authn returns the authenticator settings.
func (c *Config) Authn() authn.Config {
	return authn.Config{
		Scheme:            authn.Scheme(c.Auth.Scheme),
		ClientIDHeader:    c.Auth.ClientIDHeader,
		JWTSecret:         []byte(c.Auth.JWTSecret),
		JWTIssuer:         c.Auth.JWTIssuer,
		JWTLeeway:         c.Auth.JWTLeeway.Std(),
		ProxySecret:       c.Auth.ProxySecret,
		ProxySecretHeader: c.Auth.ProxySecretHeader,
		ProxyUserHeader:   c.Auth.ProxyUserHeader,
	}
}

// FailMode returns the parsed limiter fail mode.
func (c *Config) FailMode() limiter.FailMode {
	m, _ := limiter.ParseFailMode(c.RateLimit.FailMode)
	return m
}

type envVar struct {
	name  string
	apply func(c *Config, v string) error
}

var envVars = []envVar{
	{"ACCESSGATE_ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"ACCESSGATE_TRUST_PROXY", func(c *Config, v string) error { return setBool(&c.Server.TrustProxy, v) }},
	{"ACCESSGATE_LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = strings.ToLower(v); return nil }},
	{"ACCESSGATE_STORE", func(c *Config, v string) error { c.Store.Backend = strings.ToLower(v); return nil }},
	{"ACCESSGATE_REDIS_ADDR", func(c *Config, v string) error { c.Store.Redis.Addr = v; return nil }},
	{"ACCESSGATE_REDIS_PASSWORD", func(c *Config, v string) error { c.Store.Redis.Password = v; return nil }},
	{"ACCESSGATE_REDIS_DB", func(c *Config, v string) error { return setInt(&c.Store.Redis.DB, v) }},
	{"ACCESSGATE_AUTH_SCHEME", func(c *Config, v string) error { c.Auth.Scheme = strings.ToLower(v); return nil }},
	{"ACCESSGATE_JWT_SECRET", func(c *Config, v string) error { c.Auth.JWTSecret = v; return nil }},
	{"ACCESSGATE_JWT_ISSUER", func(c *Config, v string) error { c.Auth.JWTIssuer = v; return nil }},
	{"ACCESSGATE_JWT_LEEWAY", func(c *Config, v string) error { return setDuration(&c.Auth.JWTLeeway, v) }},
	{"ACCESSGATE_TOKEN_TTL", func(c *Config, v string) error { return setDuration(&c.Auth.TokenTTL, v) }},
	{"ACCESSGATE_PROXY_SECRET", func(c *Config, v string) error { c.Auth.ProxySecret = v; return nil }},
	{"ACCESSGATE_RATE_LIMIT", func(c *Config, v string) error { return setInt64(&c.RateLimit.DefaultLimit, v) }},
	{"ACCESSGATE_RATE_WINDOW", func(c *Config, v string) error { return setDuration(&c.RateLimit.Window, v) }},
	{"ACCESSGATE_FAIL_MODE", func(c *Config, v string) error { c.RateLimit.FailMode = strings.ToLower(v); return nil }},
	{"ACCESSGATE_ACCOUNTS_PATH", func(c *Config, v string) error { c.Accounts.Path = v; return nil }},
	{"ACCESSGATE_ADMIN_KEY", func(c *Config, v string) error { c.Admin.Key = v; return nil }},
}

func applyEnv(c *Config) error {
	for _, ev := range envVars {
		v, ok := os.LookupEnv(ev.name)
		if !ok {
			continue
		}
		if err := ev.apply(c, v); err != nil {
			return fmt.Errorf("%s: %w", ev.name, err)
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setInt64(dst *int64, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = Duration(d)
	return nil
}

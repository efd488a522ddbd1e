package authn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrWeakKey is returned when the HS256 key is shorter than 32 bytes.
var ErrWeakKey = errors.New("authn: jwt key must be at least 32 bytes")

const minKeyLen = 32

type jwtConfig struct {
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// JWTOption configures JWT verification and issuance.
type JWTOption func(*jwtConfig)

// WithIssuer sets the iss claim written by Issuer and required by JWT.
func WithIssuer(iss string) JWTOption {
	return func(c *jwtConfig) {
		c.issuer = iss
	}
}

// WithLeeway allows for clock skew when checking exp, nbf and iat.
func WithLeeway(d time.Duration) JWTOption {
	return func(c *jwtConfig) {
		c.leeway = d
	}
}

// WithTimeFunc replaces time.Now, mostly for tests.
func WithTimeFunc(now func() time.Time) JWTOption {
	return func(c *jwtConfig) {
		if now != nil {
			c.now = now
		}
	}
}

func newJWTConfig(opts []JWTOption) jwtConfig {
	cfg := jwtConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// JWT authenticates HS256-signed, time-limited tokens. The sub claim is the client id.
type JWT struct {
	key    []byte
	parser *jwt.Parser
}

// NewJWT returns a verifier for tokens signed with key.
func NewJWT(key []byte, opts ...JWTOption) (*JWT, error) {
	if len(key) < minKeyLen {
		return nil, ErrWeakKey
	}
	cfg := newJWTConfig(opts)

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(cfg.now),
	}
	if cfg.leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(cfg.leeway))
	}
	if cfg.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.issuer))
	}

	return &JWT{
		key:    key,
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

// Scheme returns SchemeJWT.
func (j *JWT) Scheme() Scheme {
	return SchemeJWT
}

// Authenticate verifies the bearer token signature, expiry and issuer.
func (j *JWT) Authenticate(_ context.Context, h http.Header) Decision {
	raw, reason := bearerToken(h)
	if reason != "" {
		return Reject(reason)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := j.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return j.key, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Reject(ReasonExpired)
	case err != nil:
		return Reject(ReasonInvalid)
	case claims.Subject == "":
		return Reject(ReasonInvalid)
	}
	return Accept(claims.Subject)
}

// Token is a signed token handed to a client.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer mints tokens accepted by JWT configured with the same key and issuer.
type Issuer struct {
	key []byte
	cfg jwtConfig
}

// NewIssuer returns an Issuer signing with key.
func NewIssuer(key []byte, opts ...JWTOption) (*Issuer, error) {
	if len(key) < minKeyLen {
		return nil, ErrWeakKey
	}
	return &Issuer{key: key, cfg: newJWTConfig(opts)}, nil
}

// Issue signs a token for clientID that expires after ttl.
func (i *Issuer) Issue(clientID string, ttl time.Duration) (Token, error) {
	if clientID == "" {
		return Token{}, errors.New("authn: empty client id")
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("authn: non-positive token ttl %s", ttl)
	}

	now := i.cfg.now()
	expiresAt := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   clientID,
		Issuer:    i.cfg.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: expiresAt.Truncate(time.Second)}, nil
}

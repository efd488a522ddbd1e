// Package authn verifies the credentials presented on inbound requests.
//
// Three schemes are supported and exactly one is active per deployment:
//
//   - bearer: "Authorization: Bearer <secret>" plus a client id header, checked
//     against the credential store
//   - jwt: "Authorization: Bearer <token>" carrying an HS256 token whose subject
//     is the client id
//   - proxy: a shared secret set by a trusted upstream proxy
//
// Authenticate never fails on bad input. Every outcome is a Decision, and a
// rejected Decision always carries a Reason.
package authn

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Reason explains why a request was not authenticated.
type Reason string

const (
	// ReasonMissing means no credential was presented.
	ReasonMissing Reason = "missing"

	// ReasonMalformed means a credential header was present but not parseable.
	ReasonMalformed Reason = "malformed"

	// ReasonExpired means a signed token was valid but past its expiry.
	ReasonExpired Reason = "expired"

	// ReasonInvalid means the credential failed verification.
	ReasonInvalid Reason = "invalid"

	// ReasonUnavailable means the credential could not be checked because the
	// backing store failed. Decision.Err holds the cause.
	ReasonUnavailable Reason = "unavailable"
)

// Decision is the per-request result of authentication.
type Decision struct {
	Authenticated bool
	ClientID      string
	Reason        Reason
	Err           error
}

// Accept returns an authenticated decision for clientID.
func Accept(clientID string) Decision {
	return Decision{Authenticated: true, ClientID: clientID}
}

// Reject returns an unauthenticated decision with the given reason.
func Reject(reason Reason) Decision {
	return Decision{Reason: reason}
}

// Scheme names a credential scheme.
type Scheme string

const (
	SchemeBearer Scheme = "bearer"
	SchemeJWT    Scheme = "jwt"
	SchemeProxy  Scheme = "proxy"
)

// ParseScheme parses a scheme name (case-insensitive).
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case SchemeBearer:
		return SchemeBearer, nil
	case SchemeJWT:
		return SchemeJWT, nil
	case SchemeProxy:
		return SchemeProxy, nil
	default:
		return "", fmt.Errorf("authn: unknown scheme %q", s)
	}
}

// Authenticator checks the credentials carried by request headers.
// Implementations must be safe for concurrent use.
type Authenticator interface {
	Scheme() Scheme
	Authenticate(ctx context.Context, h http.Header) Decision
}

// Config selects and configures the active scheme.
type Config struct {
	Scheme Scheme

	// ClientIDHeader carries the client id for the bearer scheme (default: "X-Client-ID").
	ClientIDHeader string

	// JWTSecret is the HS256 key for the jwt scheme.
	JWTSecret []byte

	// JWTIssuer, when set, is required in the iss claim.
	JWTIssuer string

	// JWTLeeway tolerates clock skew on exp and nbf.
	JWTLeeway time.Duration

	// ProxySecret is the shared upstream secret for the proxy scheme.
	ProxySecret string

	// ProxySecretHeader carries the proxy secret (default: "X-RapidAPI-Proxy-Secret").
	ProxySecretHeader string

	// ProxyUserHeader optionally carries the end user id forwarded by the proxy
	// (default: "X-RapidAPI-User").
	ProxyUserHeader string

	// Now replaces time.Now for token expiry checks.
	Now func() time.Time
}

// New builds the authenticator for cfg.Scheme. secrets is only used by the
// bearer scheme and may be nil otherwise.
func New(cfg Config, secrets SecretValidator) (Authenticator, error) {
	switch cfg.Scheme {
	case SchemeBearer:
		if secrets == nil {
			return nil, fmt.Errorf("authn: bearer scheme requires a secret validator")
		}
		var opts []BearerOption
		if cfg.ClientIDHeader != "" {
			opts = append(opts, WithClientIDHeader(cfg.ClientIDHeader))
		}
		return NewBearer(secrets, opts...), nil
	case SchemeJWT:
		var opts []JWTOption
		if cfg.JWTIssuer != "" {
			opts = append(opts, WithIssuer(cfg.JWTIssuer))
		}
		if cfg.JWTLeeway > 0 {
			opts = append(opts, WithLeeway(cfg.JWTLeeway))
		}
		if cfg.Now != nil {
			opts = append(opts, WithTimeFunc(cfg.Now))
		}
		return NewJWT(cfg.JWTSecret, opts...)
	case SchemeProxy:
		var opts []ProxyOption
		if cfg.ProxySecretHeader != "" {
			opts = append(opts, WithProxySecretHeader(cfg.ProxySecretHeader))
		}
		if cfg.ProxyUserHeader != "" {
			opts = append(opts, WithProxyUserHeader(cfg.ProxyUserHeader))
		}
		return NewProxy(cfg.ProxySecret, opts...)
	default:
		return nil, fmt.Errorf("authn: unknown scheme %q", cfg.Scheme)
	}
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" header.
// Returns a non-empty Reason when the header is absent or not a bearer credential.
func bearerToken(h http.Header) (string, Reason) {
	auth := h.Get("Authorization")
	if auth == "" {
		return "", ReasonMissing
	}

	// RFC 7235: "Bearer" scheme is case-insensitive
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return "", ReasonMalformed
	}

	token := strings.TrimSpace(auth[7:])
	if token == "" {
		return "", ReasonMalformed
	}
	return token, ""
}

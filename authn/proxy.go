package authn

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
)

// ProxyClientID is the client id assigned to proxied requests that do not
// forward a user header.
const ProxyClientID = "proxy"

// Proxy trusts a single upstream proxy that pre-authenticates callers and
// proves itself with a shared secret header.
type Proxy struct {
	secret     []byte
	header     string
	userHeader string
}

// ProxyOption configures a Proxy authenticator.
type ProxyOption func(*Proxy)

// WithProxySecretHeader sets the header carrying the shared secret.
func WithProxySecretHeader(header string) ProxyOption {
	return func(p *Proxy) {
		p.header = header
	}
}

// WithProxyUserHeader sets the header carrying the forwarded user id.
func WithProxyUserHeader(header string) ProxyOption {
	return func(p *Proxy) {
		p.userHeader = header
	}
}

// NewProxy returns an authenticator that expects secret in the proxy header.
func NewProxy(secret string, opts ...ProxyOption) (*Proxy, error) {
	if secret == "" {
		return nil, errors.New("authn: proxy scheme requires a secret")
	}
	p := &Proxy{
		secret:     []byte(secret),
		header:     "X-RapidAPI-Proxy-Secret",
		userHeader: "X-RapidAPI-User",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Scheme returns SchemeProxy.
func (p *Proxy) Scheme() Scheme {
	return SchemeProxy
}

// Authenticate compares the proxy secret in constant time. No per-client
// lookup happens; the client id is the forwarded user or ProxyClientID.
func (p *Proxy) Authenticate(_ context.Context, h http.Header) Decision {
	presented := h.Get(p.header)
	if presented == "" {
		return Reject(ReasonMissing)
	}
	if subtle.ConstantTimeCompare([]byte(presented), p.secret) != 1 {
		return Reject(ReasonInvalid)
	}

	if user := h.Get(p.userHeader); user != "" {
		return Accept(user)
	}
	return Accept(ProxyClientID)
}

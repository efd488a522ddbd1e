package authn

import (
	"context"
	"net/http"
)

// SecretValidator checks an opaque secret for a client.
// Satisfied by *credential.Store.
type SecretValidator interface {
	Validate(ctx context.Context, clientID, candidate string) (bool, error)
}

// Bearer authenticates opaque API secrets issued by the credential store.
type Bearer struct {
	secrets        SecretValidator
	clientIDHeader string
}

// BearerOption configures a Bearer authenticator.
type BearerOption func(*Bearer)

// WithClientIDHeader sets the header that names the client (default: "X-Client-ID").
func WithClientIDHeader(header string) BearerOption {
	return func(b *Bearer) {
		b.clientIDHeader = header
	}
}

// NewBearer returns an authenticator that validates secrets with secrets.
func NewBearer(secrets SecretValidator, opts ...BearerOption) *Bearer {
	b := &Bearer{
		secrets:        secrets,
		clientIDHeader: "X-Client-ID",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Scheme returns SchemeBearer.
func (b *Bearer) Scheme() Scheme {
	return SchemeBearer
}

// Authenticate validates the bearer secret for the client named in the client id header.
// A secret without a client id cannot identify anyone and is rejected as invalid.
func (b *Bearer) Authenticate(ctx context.Context, h http.Header) Decision {
	token, reason := bearerToken(h)
	if reason != "" {
		return Reject(reason)
	}

	clientID := h.Get(b.clientIDHeader)
	if clientID == "" {
		return Reject(ReasonInvalid)
	}

	ok, err := b.secrets.Validate(ctx, clientID, token)
	if err != nil {
		return Decision{Reason: ReasonUnavailable, Err: err}
	}
	if !ok {
		return Reject(ReasonInvalid)
	}
	return Accept(clientID)
}

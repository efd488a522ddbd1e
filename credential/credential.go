// Package credential issues and validates per-client API secrets.
//
// Each client has at most one active secret. Issuing a new one overwrites the
// previous value in place, so rotation immediately invalidates the old secret.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nhalm/accessgate/store"
)

// secretBytes is the amount of randomness in every issued secret (256 bits).
const secretBytes = 32

var (
	// ErrNotFound is returned by Get when no secret has been issued for a client.
	ErrNotFound = errors.New("credential: not found")

	// ErrEmptyClientID is returned when an operation is called without a client id.
	ErrEmptyClientID = errors.New("credential: empty client id")
)

// Credential is the active secret of a client.
type Credential struct {
	ClientID string    `json:"client_id"`
	Secret   string    `json:"secret"`
	IssuedAt time.Time `json:"issued_at"`
}

// Store issues, looks up and validates client secrets on top of a KV backend.
// Safe for concurrent use; all coordination is delegated to the backend.
type Store struct {
	kv    store.KV
	now   func() time.Time
	token func() (string, error)
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the clock used to stamp IssuedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a credential store backed by kv.
func New(kv store.KV, opts ...Option) *Store {
	s := &Store{
		kv:    kv,
		now:   time.Now,
		token: newSecret,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(clientID string) string {
	return "client:" + clientID + ":api_secret"
}

// Issue generates a new random secret for clientID and stores it, replacing
// any secret issued before. Backend failures are returned unchanged in kind
// (wrapping store.ErrUnavailable); nothing is retried.
func (s *Store) Issue(ctx context.Context, clientID string) (Credential, error) {
	if clientID == "" {
		return Credential{}, ErrEmptyClientID
	}

	secret, err := s.token()
	if err != nil {
		return Credential{}, fmt.Errorf("generate secret: %w", err)
	}

	cred := Credential{
		ClientID: clientID,
		Secret:   secret,
		IssuedAt: s.now().UTC(),
	}

	raw, err := json.Marshal(cred)
	if err != nil {
		return Credential{}, fmt.Errorf("encode credential: %w", err)
	}

	if err := s.kv.Set(ctx, key(clientID), string(raw)); err != nil {
		return Credential{}, fmt.Errorf("store credential for %s: %w", clientID, err)
	}

	return cred, nil
}

// Get returns the active credential for clientID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, clientID string) (Credential, error) {
	if clientID == "" {
		return Credential{}, ErrEmptyClientID
	}

	raw, err := s.kv.Get(ctx, key(clientID))
	if errors.Is(err, store.ErrNotFound) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("load credential for %s: %w", clientID, err)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return Credential{}, fmt.Errorf("decode credential for %s: %w", clientID, err)
	}
	return cred, nil
}

// Validate reports whether candidate equals the active secret of clientID.
// The comparison runs in constant time. A client without a secret never
// validates. Only backend failures produce an error.
func (s *Store) Validate(ctx context.Context, clientID, candidate string) (bool, error) {
	if clientID == "" || candidate == "" {
		return false, nil
	}

	cred, err := s.Get(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare([]byte(cred.Secret), []byte(candidate)) == 1, nil
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

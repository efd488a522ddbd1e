package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nhalm/accessgate/store"
)

type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, error) {
	return "", store.ErrUnavailable
}

func (failingKV) Set(context.Context, string, string) error {
	return store.ErrUnavailable
}

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	return New(mem)
}

func TestStore_IssueRotation(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	c1, err := s.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if ok, err := s.Validate(ctx, "alice", c1.Secret); err != nil || !ok {
		t.Fatalf("Validate(S1) = %v, %v; want true, nil", ok, err)
	}

	c2, err := s.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if c2.Secret == c1.Secret {
		t.Fatal("expected a new secret on rotation")
	}

	if ok, _ := s.Validate(ctx, "alice", c1.Secret); ok {
		t.Error("Validate(S1) after rotation = true, want false")
	}
	if ok, _ := s.Validate(ctx, "alice", c2.Secret); !ok {
		t.Error("Validate(S2) = false, want true")
	}
}

func TestStore_SecretEntropy(t *testing.T) {
	s := newMemoryStore(t)

	cred, err := s.Issue(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(cred.Secret)
	if err != nil {
		t.Fatalf("secret is not base64url: %v", err)
	}
	if len(raw) < 32 {
		t.Errorf("secret has %d bytes of randomness, want >= 32", len(raw))
	}
}

func TestStore_GetIdempotent(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	issued, err := s.Issue(ctx, "carol")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	for range 5 {
		got, err := s.Get(ctx, "carol")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Secret != issued.Secret {
			t.Fatalf("Get() secret = %q, want %q", got.Secret, issued.Secret)
		}
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := newMemoryStore(t)

	if _, err := s.Get(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_IssuedAt(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	defer mem.Close()
	s := New(mem, WithClock(func() time.Time { return fixed }))

	cred, err := s.Issue(context.Background(), "dave")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !cred.IssuedAt.Equal(fixed) {
		t.Errorf("IssuedAt = %v, want %v", cred.IssuedAt, fixed)
	}

	got, err := s.Get(context.Background(), "dave")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.IssuedAt.Equal(fixed) {
		t.Errorf("stored IssuedAt = %v, want %v", got.IssuedAt, fixed)
	}
}

func TestStore_Validate(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	cred, err := s.Issue(ctx, "erin")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name      string
		clientID  string
		candidate string
		want      bool
	}{
		{name: "matching secret", clientID: "erin", candidate: cred.Secret, want: true},
		{name: "wrong secret", clientID: "erin", candidate: "bad-token", want: false},
		{name: "prefix of secret", clientID: "erin", candidate: cred.Secret[:10], want: false},
		{name: "unknown client", clientID: "frank", candidate: cred.Secret, want: false},
		{name: "empty candidate", clientID: "erin", candidate: "", want: false},
		{name: "empty client", clientID: "", candidate: cred.Secret, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Validate(ctx, tt.clientID, tt.candidate)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStore_EmptyClientID(t *testing.T) {
	s := newMemoryStore(t)

	if _, err := s.Issue(context.Background(), ""); !errors.Is(err, ErrEmptyClientID) {
		t.Errorf("Issue(\"\") error = %v, want ErrEmptyClientID", err)
	}
}

func TestStore_BackendUnavailable(t *testing.T) {
	s := New(failingKV{})
	ctx := context.Background()

	if _, err := s.Issue(ctx, "alice"); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Issue() error = %v, want ErrUnavailable", err)
	}
	if _, err := s.Get(ctx, "alice"); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Get() error = %v, want ErrUnavailable", err)
	}
	if ok, err := s.Validate(ctx, "alice", "x"); ok || !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Validate() = %v, %v; want false, ErrUnavailable", ok, err)
	}
}

func TestStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rs, err := store.NewRedis(store.RedisConfig{URL: mr.Addr(), Prefix: "test:"})
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	defer rs.Close()

	s := New(rs)
	ctx := context.Background()

	cred, err := s.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if !mr.Exists("test:client:alice:api_secret") {
		t.Error("expected credential under client:alice:api_secret")
	}

	ok, err := s.Validate(ctx, "alice", cred.Secret)
	if err != nil || !ok {
		t.Errorf("Validate() = %v, %v; want true, nil", ok, err)
	}
}

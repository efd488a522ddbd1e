package authn

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nhalm/accessgate/credential"
	"github.com/nhalm/accessgate/store"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type stubValidator struct {
	secrets map[string]string
	err     error
	calls   int
}

func (s *stubValidator) Validate(_ context.Context, clientID, candidate string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	secret, ok := s.secrets[clientID]
	return ok && secret == candidate, nil
}

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		auth       string
		wantToken  string
		wantReason Reason
	}{
		{"missing", "", "", ReasonMissing},
		{"valid", "Bearer abc", "abc", ""},
		{"lowercase scheme", "bearer abc", "abc", ""},
		{"uppercase scheme", "BEARER abc", "abc", ""},
		{"basic scheme", "Basic dXNlcjpwYXNz", "", ReasonMalformed},
		{"no token", "Bearer ", "", ReasonMalformed},
		{"whitespace token", "Bearer    ", "", ReasonMalformed},
		{"no space", "Bearerabc", "", ReasonMalformed},
		{"short", "Bear", "", ReasonMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.auth != "" {
				h.Set("Authorization", tt.auth)
			}
			token, reason := bearerToken(h)
			if token != tt.wantToken || reason != tt.wantReason {
				t.Errorf("bearerToken(%q) = %q, %q; want %q, %q", tt.auth, token, reason, tt.wantToken, tt.wantReason)
			}
		})
	}
}

func TestBearer_Authenticate(t *testing.T) {
	v := &stubValidator{secrets: map[string]string{"alice": "s3cret"}}
	b := NewBearer(v)

	tests := []struct {
		name       string
		h          http.Header
		wantAuth   bool
		wantClient string
		wantReason Reason
	}{
		{"valid", header("Authorization", "Bearer s3cret", "X-Client-ID", "alice"), true, "alice", ""},
		{"no header", header(), false, "", ReasonMissing},
		{"bad token", header("Authorization", "Bearer bad-token", "X-Client-ID", "alice"), false, "", ReasonInvalid},
		{"unknown client", header("Authorization", "Bearer s3cret", "X-Client-ID", "mallory"), false, "", ReasonInvalid},
		{"missing client id", header("Authorization", "Bearer s3cret"), false, "", ReasonInvalid},
		{"wrong scheme", header("Authorization", "Token s3cret", "X-Client-ID", "alice"), false, "", ReasonMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := b.Authenticate(context.Background(), tt.h)
			if d.Authenticated != tt.wantAuth {
				t.Errorf("Authenticated = %v, want %v", d.Authenticated, tt.wantAuth)
			}
			if d.ClientID != tt.wantClient {
				t.Errorf("ClientID = %q, want %q", d.ClientID, tt.wantClient)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestBearer_NoLookupWithoutCredential(t *testing.T) {
	v := &stubValidator{secrets: map[string]string{}}
	b := NewBearer(v)

	b.Authenticate(context.Background(), header())
	b.Authenticate(context.Background(), header("Authorization", "Basic xyz"))

	if v.calls != 0 {
		t.Errorf("validator called %d times, want 0", v.calls)
	}
}

func TestBearer_StoreUnavailable(t *testing.T) {
	v := &stubValidator{err: store.ErrUnavailable}
	b := NewBearer(v)

	d := b.Authenticate(context.Background(), header("Authorization", "Bearer x", "X-Client-ID", "alice"))
	if d.Authenticated {
		t.Fatal("expected rejection when the store is unavailable")
	}
	if d.Reason != ReasonUnavailable {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonUnavailable)
	}
	if !errors.Is(d.Err, store.ErrUnavailable) {
		t.Errorf("Err = %v, want wrapping store.ErrUnavailable", d.Err)
	}
}

func TestBearer_CustomClientIDHeader(t *testing.T) {
	v := &stubValidator{secrets: map[string]string{"alice": "s3cret"}}
	b := NewBearer(v, WithClientIDHeader("X-Api-Client"))

	d := b.Authenticate(context.Background(), header("Authorization", "Bearer s3cret", "X-Api-Client", "alice"))
	if !d.Authenticated || d.ClientID != "alice" {
		t.Errorf("got %+v, want authenticated alice", d)
	}
}

func TestBearer_WithCredentialStore(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	creds := credential.New(mem)
	b := NewBearer(creds)
	ctx := context.Background()

	c1, err := creds.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if d := b.Authenticate(ctx, header("Authorization", "Bearer "+c1.Secret, "X-Client-ID", "alice")); !d.Authenticated {
		t.Fatalf("first secret rejected: %+v", d)
	}

	c2, err := creds.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if d := b.Authenticate(ctx, header("Authorization", "Bearer "+c1.Secret, "X-Client-ID", "alice")); d.Authenticated || d.Reason != ReasonInvalid {
		t.Errorf("rotated-out secret: got %+v, want invalid", d)
	}
	if d := b.Authenticate(ctx, header("Authorization", "Bearer "+c2.Secret, "X-Client-ID", "alice")); !d.Authenticated {
		t.Errorf("new secret rejected: %+v", d)
	}
}

func sign(t *testing.T, key []byte, method jwt.SigningMethod, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func TestJWT_Authenticate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	v, err := NewJWT(testKey, WithIssuer("accessgate"), WithTimeFunc(clock))
	if err != nil {
		t.Fatalf("NewJWT() error = %v", err)
	}

	claims := func(sub, iss string, exp time.Time) jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    iss,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(exp),
		}
	}

	tests := []struct {
		name       string
		auth       string
		wantAuth   bool
		wantClient string
		wantReason Reason
	}{
		{
			name:       "valid",
			auth:       "Bearer " + sign(t, testKey, jwt.SigningMethodHS256, claims("alice", "accessgate", now.Add(time.Hour))),
			wantAuth:   true,
			wantClient: "alice",
		},
		{
			name:       "expired",
			auth:       "Bearer " + sign(t, testKey, jwt.SigningMethodHS256, claims("alice", "accessgate", now.Add(-time.Second))),
			wantReason: ReasonExpired,
		},
		{
			name:       "wrong key",
			auth:       "Bearer " + sign(t, []byte("ffffffffffffffffffffffffffffffff"), jwt.SigningMethodHS256, claims("alice", "accessgate", now.Add(time.Hour))),
			wantReason: ReasonInvalid,
		},
		{
			name:       "wrong algorithm",
			auth:       "Bearer " + sign(t, testKey, jwt.SigningMethodHS512, claims("alice", "accessgate", now.Add(time.Hour))),
			wantReason: ReasonInvalid,
		},
		{
			name:       "wrong issuer",
			auth:       "Bearer " + sign(t, testKey, jwt.SigningMethodHS256, claims("alice", "someone-else", now.Add(time.Hour))),
			wantReason: ReasonInvalid,
		},
		{
			name:       "no subject",
			auth:       "Bearer " + sign(t, testKey, jwt.SigningMethodHS256, claims("", "accessgate", now.Add(time.Hour))),
			wantReason: ReasonInvalid,
		},
		{
			name: "no expiry",
			auth: "Bearer " + sign(t, testKey, jwt.SigningMethodHS256, jwt.RegisteredClaims{
				Subject: "alice",
				Issuer:  "accessgate",
			}),
			wantReason: ReasonInvalid,
		},
		{
			name:       "garbage",
			auth:       "Bearer not.a.jwt",
			wantReason: ReasonInvalid,
		},
		{
			name:       "missing",
			wantReason: ReasonMissing,
		},
		{
			name:       "malformed header",
			auth:       "Basic abc",
			wantReason: ReasonMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.auth != "" {
				h.Set("Authorization", tt.auth)
			}
			d := v.Authenticate(context.Background(), h)
			if d.Authenticated != tt.wantAuth {
				t.Errorf("Authenticated = %v, want %v", d.Authenticated, tt.wantAuth)
			}
			if d.ClientID != tt.wantClient {
				t.Errorf("ClientID = %q, want %q", d.ClientID, tt.wantClient)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestJWT_WeakKey(t *testing.T) {
	if _, err := NewJWT([]byte("short")); !errors.Is(err, ErrWeakKey) {
		t.Errorf("NewJWT(short) error = %v, want ErrWeakKey", err)
	}
	if _, err := NewIssuer([]byte("short")); !errors.Is(err, ErrWeakKey) {
		t.Errorf("NewIssuer(short) error = %v, want ErrWeakKey", err)
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := now
	clock := func() time.Time { return current }

	iss, err := NewIssuer(testKey, WithIssuer("accessgate"), WithTimeFunc(clock))
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	v, err := NewJWT(testKey, WithIssuer("accessgate"), WithTimeFunc(clock))
	if err != nil {
		t.Fatalf("NewJWT() error = %v", err)
	}

	tok, err := iss.Issue("alice", 15*time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !tok.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want %v", tok.ExpiresAt, now.Add(15*time.Minute))
	}

	d := v.Authenticate(context.Background(), header("Authorization", "Bearer "+tok.Value))
	if !d.Authenticated || d.ClientID != "alice" {
		t.Fatalf("fresh token: got %+v, want authenticated alice", d)
	}

	current = now.Add(16 * time.Minute)
	d = v.Authenticate(context.Background(), header("Authorization", "Bearer "+tok.Value))
	if d.Authenticated || d.Reason != ReasonExpired {
		t.Errorf("after expiry: got %+v, want expired", d)
	}
}

func TestIssuer_UniqueTokens(t *testing.T) {
	iss, err := NewIssuer(testKey)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	a, _ := iss.Issue("alice", time.Minute)
	b, _ := iss.Issue("alice", time.Minute)
	if a.Value == b.Value {
		t.Error("two tokens issued in the same second are identical")
	}
}

func TestIssuer_InvalidInput(t *testing.T) {
	iss, err := NewIssuer(testKey)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	if _, err := iss.Issue("", time.Minute); err == nil {
		t.Error("Issue(\"\") error = nil, want error")
	}
	if _, err := iss.Issue("alice", 0); err == nil {
		t.Error("Issue(ttl=0) error = nil, want error")
	}
}

func TestProxy_Authenticate(t *testing.T) {
	p, err := NewProxy("upstream-secret")
	if err != nil {
		t.Fatalf("NewProxy() error = %v", err)
	}

	tests := []struct {
		name       string
		h          http.Header
		wantAuth   bool
		wantClient string
		wantReason Reason
	}{
		{"valid with user", header("X-RapidAPI-Proxy-Secret", "upstream-secret", "X-RapidAPI-User", "carol"), true, "carol", ""},
		{"valid without user", header("X-RapidAPI-Proxy-Secret", "upstream-secret"), true, ProxyClientID, ""},
		{"wrong secret", header("X-RapidAPI-Proxy-Secret", "nope"), false, "", ReasonInvalid},
		{"prefix of secret", header("X-RapidAPI-Proxy-Secret", "upstream"), false, "", ReasonInvalid},
		{"missing", header(), false, "", ReasonMissing},
		{"bearer ignored", header("Authorization", "Bearer upstream-secret"), false, "", ReasonMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Authenticate(context.Background(), tt.h)
			if d.Authenticated != tt.wantAuth || d.ClientID != tt.wantClient || d.Reason != tt.wantReason {
				t.Errorf("got %+v, want auth=%v client=%q reason=%q", d, tt.wantAuth, tt.wantClient, tt.wantReason)
			}
		})
	}
}

func TestProxy_EmptySecret(t *testing.T) {
	if _, err := NewProxy(""); err == nil {
		t.Error("NewProxy(\"\") error = nil, want error")
	}
}

func TestProxy_CustomHeaders(t *testing.T) {
	p, err := NewProxy("s", WithProxySecretHeader("X-Gateway-Secret"), WithProxyUserHeader("X-Gateway-User"))
	if err != nil {
		t.Fatalf("NewProxy() error = %v", err)
	}
	d := p.Authenticate(context.Background(), header("X-Gateway-Secret", "s", "X-Gateway-User", "dave"))
	if !d.Authenticated || d.ClientID != "dave" {
		t.Errorf("got %+v, want authenticated dave", d)
	}
}

func TestParseScheme(t *testing.T) {
	tests := []struct {
		in      string
		want    Scheme
		wantErr bool
	}{
		{"bearer", SchemeBearer, false},
		{"JWT", SchemeJWT, false},
		{" proxy ", SchemeProxy, false},
		{"basic", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseScheme(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseScheme(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestNew(t *testing.T) {
	v := &stubValidator{}

	tests := []struct {
		name       string
		cfg        Config
		secrets    SecretValidator
		wantScheme Scheme
		wantErr    string
	}{
		{"bearer", Config{Scheme: SchemeBearer}, v, SchemeBearer, ""},
		{"bearer without store", Config{Scheme: SchemeBearer}, nil, "", "secret validator"},
		{"jwt", Config{Scheme: SchemeJWT, JWTSecret: testKey}, nil, SchemeJWT, ""},
		{"jwt weak key", Config{Scheme: SchemeJWT, JWTSecret: []byte("x")}, nil, "", "32 bytes"},
		{"proxy", Config{Scheme: SchemeProxy, ProxySecret: "s"}, nil, SchemeProxy, ""},
		{"proxy no secret", Config{Scheme: SchemeProxy}, nil, "", "requires a secret"},
		{"unknown", Config{Scheme: "basic"}, nil, "", "unknown scheme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg, tt.secrets)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("New() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if a.Scheme() != tt.wantScheme {
				t.Errorf("Scheme() = %q, want %q", a.Scheme(), tt.wantScheme)
			}
		})
	}
}

func TestNew_JWTLeeway(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tok := sign(t, testKey, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Hour)),
		ExpiresAt: jwt.NewNumericDate(now.Add(-10 * time.Second)),
	})

	tests := []struct {
		name     string
		leeway   time.Duration
		wantAuth bool
	}{
		{"no leeway", 0, false},
		{"skew within leeway", 30 * time.Second, true},
		{"skew beyond leeway", 5 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(Config{Scheme: SchemeJWT, JWTSecret: testKey, JWTLeeway: tt.leeway, Now: clock}, nil)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			d := a.Authenticate(context.Background(), header("Authorization", "Bearer "+tok))
			if d.Authenticated != tt.wantAuth {
				t.Errorf("Authenticated = %v (reason %q), want %v", d.Authenticated, d.Reason, tt.wantAuth)
			}
		})
	}
}

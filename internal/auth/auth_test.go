package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relayhub-ai/relayhub/internal/config"
	"github.com/relayhub-ai/relayhub/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "0123456789abcdef0123456789abcdef",
		JWTExpiry: config.Duration{Duration: time.Hour},
		RunnerTokens: []config.RunnerTokenEntry{
			{Token: "static-tok", Namespace: "team-a"},
		},
		RunnerTokenSecret:   "hmac-secret-for-tests",
		RunnerTokenLifetime: config.Duration{Duration: time.Hour},
	}
	return NewService(st, cfg)
}

func TestLoginRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if err := s.Register(ctx, "alice", "password123", "admin"); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(ctx, "alice", "other", ""); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate register: %v", err)
	}

	token, err := s.Login(ctx, "alice", "password123")
	if err != nil {
		t.Fatal(err)
	}
	ident, err := s.ValidateToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if ident.Username != "alice" || ident.Role != "admin" || ident.Namespace != "default" {
		t.Errorf("identity = %+v", ident)
	}

	if _, err := s.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: %v", err)
	}
	if _, err := s.Login(ctx, "nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: %v", err)
	}
	if _, err := s.ValidateToken(ctx, "not-a-jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("garbage token: %v", err)
	}
}

func TestStaticRunnerToken(t *testing.T) {
	s := newTestService(t)

	ns, ok := s.ValidateRunnerToken("static-tok")
	if !ok || ns != "team-a" {
		t.Errorf("static token: ns=%q ok=%v", ns, ok)
	}
	if _, ok := s.ValidateRunnerToken("unknown"); ok {
		t.Error("unknown token accepted")
	}
}

func TestTimeLimitedRunnerToken(t *testing.T) {
	s := newTestService(t)

	token := s.GenerateRunnerToken("team-b")
	ns, err := s.ValidateTimeLimitedToken(token)
	if err != nil || ns != "team-b" {
		t.Fatalf("generated token: ns=%q err=%v", ns, err)
	}

	// The generic path accepts HMAC tokens too.
	ns, ok := s.ValidateRunnerToken(token)
	if !ok || ns != "team-b" {
		t.Errorf("generic validation: ns=%q ok=%v", ns, ok)
	}

	// Tampered signature is rejected.
	if _, err := s.ValidateTimeLimitedToken(token + "x"); err == nil {
		t.Error("tampered token accepted")
	}

	// Expired token is rejected.
	s.runnerTokenLifetime = -time.Second
	if _, err := s.ValidateTimeLimitedToken(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestBootstrapAdmin(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.AuthConfig{
		JWTSecret:    "0123456789abcdef0123456789abcdef",
		JWTExpiry:    config.Duration{Duration: time.Hour},
		InitialAdmin: &config.InitialAdmin{Username: "root", Password: "bootstrapme"},
	}
	s := NewService(st, cfg)
	ctx := context.Background()

	if err := s.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Login(ctx, "root", "bootstrapme"); err != nil {
		t.Errorf("bootstrapped admin cannot log in: %v", err)
	}
	user, err := st.GetUser(ctx, "default", "root")
	if err != nil || user == nil || user.Role != "admin" {
		t.Errorf("bootstrapped user: %+v, %v", user, err)
	}
}

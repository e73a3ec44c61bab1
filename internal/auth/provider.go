package auth

import (
	"context"
	"time"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID    string // internal user ID (builtin) or external provider subject
	Username  string
	Role      string // "admin" or "user"
	Namespace string // "default" for self-hosted single-tenant setups
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) error
}

// RunnerAuthProvider handles runner token validation and generation. A valid
// token resolves to exactly one namespace.
type RunnerAuthProvider interface {
	ValidateRunnerToken(token string) (string, bool)
	ValidateTimeLimitedToken(token string) (string, error)
	GenerateRunnerToken(namespace string) string
	RunnerTokenSecret() string
	RunnerTokenLifetime() time.Duration
}

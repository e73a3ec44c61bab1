package auth

import (
	"fmt"

	"github.com/relayhub-ai/relayhub/internal/config"
	"github.com/relayhub-ai/relayhub/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(s, cfg), nil
	case "oidc":
		return NewOIDCProvider(cfg.OIDCIssuer)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}

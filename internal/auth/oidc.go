package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// OIDCProvider validates JWTs issued by an external OIDC issuer using its
// published JWKS.
type OIDCProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewOIDCProvider fetches the issuer's JWKS and keeps it refreshed in the
// background.
func NewOIDCProvider(issuer string) (*OIDCProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("oidc issuer URL is required")
	}

	jwksURL := strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &OIDCProvider{issuer: issuer, jwks: jwks}, nil
}

// ValidateToken parses an issuer-signed JWT and returns an Identity. The
// namespace comes from the "ns" claim, defaulting to "default".
func (p *OIDCProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	namespace := claimStr(claims, "ns")
	if namespace == "" {
		namespace = "default"
	}

	role := "user"
	if claimStr(claims, "role") == "admin" {
		role = "admin"
	}

	username := sub
	switch {
	case claimStr(claims, "username") != "":
		username = claimStr(claims, "username")
	case claimStr(claims, "name") != "":
		username = claimStr(claims, "name")
	case claimStr(claims, "email") != "":
		username = claimStr(claims, "email")
	}

	return &Identity{
		UserID:    sub,
		Username:  username,
		Role:      role,
		Namespace: namespace,
	}, nil
}

// Bootstrap is a no-op; users are managed by the external issuer.
func (p *OIDCProvider) Bootstrap(ctx context.Context) error {
	return nil
}

// Name returns the provider name.
func (p *OIDCProvider) Name() string { return "oidc" }

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

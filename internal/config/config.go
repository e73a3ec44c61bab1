// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT or runner-token secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Sync      SyncConfig      `json:"sync,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider            string             `json:"provider,omitempty"` // "builtin" (default) or "oidc"
	OIDCIssuer          string             `json:"oidc_issuer,omitempty"`
	JWTSecret           string             `json:"jwt_secret"`
	JWTExpiry           Duration           `json:"jwt_expiry,omitempty"`
	RunnerTokens        []RunnerTokenEntry `json:"runner_tokens"`
	RunnerTokenSecret   string             `json:"runner_token_secret,omitempty"`   // HMAC secret for time-limited tokens
	RunnerTokenLifetime Duration           `json:"runner_token_lifetime,omitempty"` // lifetime for generated tokens (default 1h)
	InitialAdmin        *InitialAdmin      `json:"initial_admin,omitempty"`
}

// RunnerTokenEntry maps a static runner token to the one namespace it
// authenticates to.
type RunnerTokenEntry struct {
	Token     string `json:"token"`
	Namespace string `json:"namespace"`
	Name      string `json:"name,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "relayhub.db" or ":memory:"
}

// SyncConfig tunes the liveness and delivery timers.
type SyncConfig struct {
	SweepInterval     Duration `json:"sweep_interval,omitempty"`     // default 5s
	PermissionTimeout Duration `json:"permission_timeout,omitempty"` // default 30m
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration: a Go duration string, or a bare
// number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "oidc" && c.Auth.OIDCIssuer == "" {
		return fmt.Errorf("auth.oidc_issuer is required when provider is oidc")
	}
	for i, rt := range c.Auth.RunnerTokens {
		if rt.Token == "" {
			return fmt.Errorf("auth.runner_tokens[%d].token is required", i)
		}
		if rt.Namespace == "" {
			return fmt.Errorf("auth.runner_tokens[%d].namespace is required", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.RunnerTokenLifetime.Duration == 0 {
		c.Auth.RunnerTokenLifetime.Duration = 1 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "relayhub.db"
	}
	if c.Sync.SweepInterval.Duration == 0 {
		c.Sync.SweepInterval.Duration = 5 * time.Second
	}
	if c.Sync.PermissionTimeout.Duration == 0 {
		c.Sync.PermissionTimeout.Duration = 30 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}

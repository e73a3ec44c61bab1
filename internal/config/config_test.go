package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {
			"jwt_secret": "0123456789abcdef0123456789abcdef",
			"runner_tokens": [{"token": "tok-1", "namespace": "default"}]
		},
		"storage": {}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "relayhub.db" {
		t.Errorf("storage defaults: %+v", cfg.Storage)
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("jwt expiry default: %v", cfg.Auth.JWTExpiry)
	}
	if cfg.Sync.SweepInterval.Duration != 5*time.Second {
		t.Errorf("sweep interval default: %v", cfg.Sync.SweepInterval)
	}
	if cfg.Sync.PermissionTimeout.Duration != 30*time.Minute {
		t.Errorf("permission timeout default: %v", cfg.Sync.PermissionTimeout)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging format default: %q", cfg.Logging.Format)
	}
}

func TestLoadRejectsMissingAddr(t *testing.T) {
	path := writeConfig(t, `{"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing server.addr")
	}
}

func TestLoadRejectsShortSecret(t *testing.T) {
	path := writeConfig(t, `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for short jwt secret")
	}
}

func TestLoadRejectsWeakSecret(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for blocklisted secret")
	}
}

func TestLoadRejectsTokenWithoutNamespace(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {
			"jwt_secret": "0123456789abcdef0123456789abcdef",
			"runner_tokens": [{"token": "tok-1"}]
		}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for runner token without namespace")
	}
}

func TestDurationForms(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef", "jwt_expiry": "2h"},
		"sync": {"permission_timeout": 600}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("string duration: %v", cfg.Auth.JWTExpiry)
	}
	if cfg.Sync.PermissionTimeout.Duration != 10*time.Minute {
		t.Errorf("numeric duration: %v", cfg.Sync.PermissionTimeout)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 || a == b {
		t.Errorf("secrets: %q %q", a, b)
	}
}

package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const baseYAML = `
node:
  url: http://127.0.0.1:8545
apiKeys:
  - key: merchant
    secret: s3cret
auth:
  hmacSecret: jwt-secret
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Auth.Enabled {
		t.Fatalf("expected auth.enabled to default to true")
	}
	if cfg.Auth.ReadScope != "escrow:read" {
		t.Fatalf("unexpected read scope %q", cfg.Auth.ReadScope)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Fatalf("expected sqlite default driver, got %q", cfg.Database.Driver)
	}
	if cfg.HMAC.NonceTTL < cfg.HMAC.TimestampSkew {
		t.Fatalf("nonce ttl %s shorter than skew %s", cfg.HMAC.NonceTTL, cfg.HMAC.TimestampSkew)
	}
	if _, ok := cfg.RateLimit(RateLimitWrites); !ok {
		t.Fatalf("expected default write rate limit")
	}
}

func TestLoadRequiresJWTSecretWhenAuthEnabled(t *testing.T) {
	path := writeConfig(t, "node:\n  url: http://localhost:8545\napiKeys:\n  - key: a\n    secret: b\n")
	if _, err := Load(path); !errors.Is(err, ErrJWTSecretMissing) {
		t.Fatalf("expected ErrJWTSecretMissing, got %v", err)
	}
}

func TestLoadAllowsExplicitlyDisabledAuth(t *testing.T) {
	path := writeConfig(t, "node:\n  url: http://localhost:8545\napiKeys:\n  - key: a\n    secret: b\nauth:\n  enabled: false\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.Enabled {
		t.Fatalf("expected auth disabled")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	if _, err := Load(writeConfig(t, baseYAML+"services: []\n")); err == nil {
		t.Fatalf("expected unknown field to fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ESCROW_GATEWAY_NODE_URL", "http://node:9000")
	t.Setenv("ESCROW_GATEWAY_API_KEYS", `[{"key":"env","secret":"envsecret"}]`)
	t.Setenv("ESCROW_GATEWAY_TIMESTAMP_SKEW", "90s")
	t.Setenv("ESCROW_GATEWAY_DB_DRIVER", "postgres")
	t.Setenv("ESCROW_GATEWAY_DB_DSN", "postgres://gateway@db/escrow")
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Node.URL != "http://node:9000" {
		t.Fatalf("node url not overridden: %s", cfg.Node.URL)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0].Key != "env" {
		t.Fatalf("api keys not overridden: %+v", cfg.APIKeys)
	}
	if cfg.HMAC.TimestampSkew != 90*time.Second {
		t.Fatalf("skew not overridden: %s", cfg.HMAC.TimestampSkew)
	}
	if cfg.Database.Driver != DriverPostgres {
		t.Fatalf("driver not overridden: %s", cfg.Database.Driver)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := map[string]func(c *Config){
		"no node":        func(c *Config) { c.Node.URL = "" },
		"no keys":        func(c *Config) { c.APIKeys = nil },
		"blank secret":   func(c *Config) { c.APIKeys = []APIKeyConfig{{Key: "a"}} },
		"duplicate keys": func(c *Config) { c.APIKeys = []APIKeyConfig{{Key: "a", Secret: "x"}, {Key: "a", Secret: "y"}} },
		"driver":         func(c *Config) { c.Database.Driver = "mysql" },
		"rate id":        func(c *Config) { c.RateLimits = []RateLimitConfig{{ID: "other", RequestsPerMinute: 1}} },
		"rate value":     func(c *Config) { c.RateLimits = []RateLimitConfig{{ID: RateLimitReads}} },
		"prod http":      func(c *Config) { c.Security.Env = "prod" },
	}
	for name, mutate := range cases {
		cfg := defaults()
		cfg.Node.URL = "http://localhost:8545"
		cfg.APIKeys = []APIKeyConfig{{Key: "a", Secret: "b"}}
		cfg.Auth.HMACSecret = "jwt"
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestEnforceSecureScheme(t *testing.T) {
	target, _ := url.Parse("http://node:8545")
	if _, _, err := EnforceSecureScheme("prod", target, false); err == nil {
		t.Fatalf("expected plaintext rejection in prod")
	}
	upgraded, changed, err := EnforceSecureScheme("prod", target, true)
	if err != nil || !changed || upgraded.Scheme != "https" {
		t.Fatalf("expected upgrade, got %v %v %v", upgraded, changed, err)
	}
	same, changed, err := EnforceSecureScheme("dev", target, false)
	if err != nil || changed || same.Scheme != "http" {
		t.Fatalf("dev should allow http")
	}
}

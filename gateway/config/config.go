package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Rate limit ids used by the escrow routes.
const (
	RateLimitWrites = "writes"
	RateLimitReads  = "reads"
)

type NodeConfig struct {
	URL       string        `yaml:"url"`
	AuthToken string        `yaml:"authToken"`
	Timeout   time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key" json:"key"`
	Secret string `yaml:"secret" json:"secret"`
}

// HMACConfig tunes write authentication.
type HMACConfig struct {
	TimestampSkew time.Duration `yaml:"timestampSkew"`
	NonceTTL      time.Duration `yaml:"nonceTTL"`
	NonceCapacity int           `yaml:"nonceCapacity"`
	// NoncePath, when set, persists seen nonces to LevelDB so replays are
	// rejected across restarts.
	NoncePath string `yaml:"noncePath"`
}

type RateLimitConfig struct {
	ID                string  `yaml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
}

type LoggingConfig struct {
	Env   string `yaml:"env"`
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Config struct {
	ListenAddress string              `yaml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	Node          NodeConfig          `yaml:"node"`
	Database      DatabaseConfig      `yaml:"database"`
	APIKeys       []APIKeyConfig      `yaml:"apiKeys"`
	HMAC          HMACConfig          `yaml:"hmac"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Security      SecurityConfig      `yaml:"security"`
}

// AuthConfig guards the read routes with HMAC-signed JWTs.
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmacSecret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scopeClaim"`
	ReadScope  string        `yaml:"readScope"`
	ClockSkew  time.Duration `yaml:"clockSkew"`
	enabledSet bool          `yaml:"-"`
}

func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled    *bool         `yaml:"enabled"`
		HMACSecret string        `yaml:"hmacSecret"`
		Issuer     string        `yaml:"issuer"`
		Audience   string        `yaml:"audience"`
		ScopeClaim string        `yaml:"scopeClaim"`
		ReadScope  string        `yaml:"readScope"`
		ClockSkew  time.Duration `yaml:"clockSkew"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.Enabled = raw.Enabled != nil && *raw.Enabled
	a.enabledSet = raw.Enabled != nil
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	a.ScopeClaim = raw.ScopeClaim
	a.ReadScope = raw.ReadScope
	a.ClockSkew = raw.ClockSkew
	return nil
}

type SecurityConfig struct {
	Env             string `yaml:"env"`
	AutoUpgradeHTTP bool   `yaml:"autoUpgradeHTTP"`
}

func defaults() Config {
	return Config{
		ListenAddress: ":8081",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Node:          NodeConfig{Timeout: 10 * time.Second},
		Database:      DatabaseConfig{Driver: DriverSQLite, DSN: "escrow-gateway.db"},
		HMAC: HMACConfig{
			TimestampSkew: 2 * time.Minute,
			NonceTTL:      4 * time.Minute,
			NonceCapacity: 4096,
		},
		RateLimits: []RateLimitConfig{
			{ID: RateLimitWrites, RequestsPerMinute: 60, Burst: 10},
			{ID: RateLimitReads, RequestsPerMinute: 600, Burst: 50},
		},
		Observability: ObservabilityConfig{
			ServiceName:   "escrow-gateway",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "escrow_gateway",
		},
		Auth: AuthConfig{
			Enabled:    true,
			ScopeClaim: "scope",
			ReadScope:  "escrow:read",
			ClockSkew:  2 * time.Minute,
			enabledSet: true,
		},
		Security: SecurityConfig{Env: "dev"},
	}
}

// Load reads the YAML file at path (optional), applies ESCROW_GATEWAY_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.applyAuthDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set("ESCROW_GATEWAY_LISTEN", &cfg.ListenAddress)
	set("ESCROW_GATEWAY_NODE_URL", &cfg.Node.URL)
	set("ESCROW_GATEWAY_NODE_TOKEN", &cfg.Node.AuthToken)
	set("ESCROW_GATEWAY_DB_DRIVER", &cfg.Database.Driver)
	set("ESCROW_GATEWAY_DB_DSN", &cfg.Database.DSN)
	set("ESCROW_GATEWAY_NONCE_PATH", &cfg.HMAC.NoncePath)
	set("ESCROW_GATEWAY_JWT_SECRET", &cfg.Auth.HMACSecret)
	set("ESCROW_GATEWAY_ENV", &cfg.Security.Env)

	if raw := strings.TrimSpace(getenv("ESCROW_GATEWAY_TIMESTAMP_SKEW")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_TIMESTAMP_SKEW: %w", err)
		}
		cfg.HMAC.TimestampSkew = dur
	}
	// API keys as a JSON array: [{"key":"...","secret":"..."}, ...]
	if raw := strings.TrimSpace(getenv("ESCROW_GATEWAY_API_KEYS")); raw != "" {
		var entries []APIKeyConfig
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_API_KEYS: %w", err)
		}
		cfg.APIKeys = entries
	}
	return nil
}

func (cfg *Config) applyAuthDefaults() {
	if cfg == nil {
		return
	}
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = true
		cfg.Auth.enabledSet = true
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ReadScope == "" {
		cfg.Auth.ReadScope = "escrow:read"
	}
	if cfg.HMAC.NonceTTL < cfg.HMAC.TimestampSkew {
		cfg.HMAC.NonceTTL = 2 * cfg.HMAC.TimestampSkew
	}
}

var (
	ErrNodeURLRequired  = errors.New("node.url is required")
	ErrNoAPIKeys        = errors.New("at least one api key is required")
	ErrJWTSecretMissing = errors.New("auth.hmacSecret is required when auth is enabled")
)

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Node.URL) == "" {
		return ErrNodeURLRequired
	}
	if _, err := cfg.NodeURL(); err != nil {
		return err
	}
	switch cfg.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database.driver %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if len(cfg.APIKeys) == 0 {
		return ErrNoAPIKeys
	}
	seen := make(map[string]struct{}, len(cfg.APIKeys))
	for i, key := range cfg.APIKeys {
		key.Key = strings.TrimSpace(key.Key)
		key.Secret = strings.TrimSpace(key.Secret)
		if key.Key == "" || key.Secret == "" {
			return fmt.Errorf("apiKeys[%d] must include key and secret", i)
		}
		if _, dup := seen[key.Key]; dup {
			return fmt.Errorf("apiKeys[%d] duplicates key %s", i, key.Key)
		}
		seen[key.Key] = struct{}{}
		cfg.APIKeys[i] = key
	}
	if cfg.HMAC.TimestampSkew <= 0 {
		return fmt.Errorf("hmac.timestampSkew must be positive")
	}
	for i, limit := range cfg.RateLimits {
		if limit.ID != RateLimitWrites && limit.ID != RateLimitReads {
			return fmt.Errorf("rateLimits[%d]: unknown id %q", i, limit.ID)
		}
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rateLimits[%d]: requestsPerMinute must be positive", i)
		}
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return ErrJWTSecretMissing
	}
	return nil
}

// NodeURL parses node.url and applies the scheme policy for the environment.
func (cfg Config) NodeURL() (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.Node.URL))
	if err != nil {
		return nil, fmt.Errorf("parse node.url: %w", err)
	}
	secured, _, err := EnforceSecureScheme(cfg.Security.Env, parsed, cfg.Security.AutoUpgradeHTTP)
	if err != nil {
		return nil, fmt.Errorf("node.url: %w", err)
	}
	return secured, nil
}

// RateLimit returns the configured limit for id.
func (cfg Config) RateLimit(id string) (RateLimitConfig, bool) {
	for _, limit := range cfg.RateLimits {
		if limit.ID == id {
			return limit, true
		}
	}
	return RateLimitConfig{}, false
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev environment.
// If autoUpgrade is enabled, insecure HTTP URLs are transparently upgraded to HTTPS.
// The returned boolean indicates whether an upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	scheme := strings.ToLower(strings.TrimSpace(target.Scheme))
	switch scheme {
	case "https":
		return target, false, nil
	case "http":
		if isDevEnv(env) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		if strings.TrimSpace(env) == "" {
			env = "(unset)"
		}
		return nil, false, fmt.Errorf("plaintext HTTP endpoints are not permitted for environment %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

func isDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}

// Package config handles loading and validation of service configuration.
// Values come from built-in defaults, an optional YAML file (CONFIG_FILE) and
// environment variables, in that order. Production secrets load from Secret Manager.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"x402-gateway/internal/evidence"
	"x402-gateway/internal/risk"
)

// Config holds all service configuration.
type Config struct {
	// Server settings
	Port        string `koanf:"port"`
	Environment string `koanf:"environment"` // "development" or "production"
	LogLevel    string `koanf:"log_level"`   // "debug", "info", "warn", "error"

	// GCP settings (required in production)
	GCPProject string `koanf:"gcp_project"`
	SecretName string `koanf:"secret_name"`

	Tracing  TracingConfig  `koanf:"tracing"`
	Gateway  GatewayConfig  `koanf:"gateway"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Risk     RiskConfig     `koanf:"risk"`
	Redis    RedisConfig    `koanf:"redis"`
	Mandate  MandateConfig  `koanf:"mandate"`
	Audit    AuditConfig    `koanf:"audit"`
}

// TracingConfig selects the span exporter ("" or "stdout").
type TracingConfig struct {
	Exporter string `koanf:"exporter"`
}

// GatewayConfig controls the verify/settle pipeline.
type GatewayConfig struct {
	SettleRiskEnabled bool   `koanf:"settle_risk_enabled"`
	DebugEnabled      bool   `koanf:"debug_enabled"`
	DebugEvents       int    `koanf:"debug_events"`
	NetworkChainMap   string `koanf:"network_chain_map"`

	// ChainIDs is NetworkChainMap parsed over the defaults.
	ChainIDs map[string]int64 `koanf:"-"`
}

// UpstreamConfig points at the x402 facilitator.
type UpstreamConfig struct {
	VerifyURL      string `koanf:"verify_url"`
	SettleURL      string `koanf:"settle_url"`
	TimeoutS       int    `koanf:"timeout_s"`
	TLSFingerprint string `koanf:"tls_fingerprint"`
}

// RiskConfig selects and configures the risk evaluator.
type RiskConfig struct {
	Local         bool   `koanf:"local"`
	EngineURL     string `koanf:"engine_url"`
	InternalToken string `koanf:"internal_token"`
	JWTSecret     string `koanf:"jwt_secret"`
	MaxRetries    int    `koanf:"max_retries"`
	Compat        string `koanf:"compat"`

	SessionTTLS      int `koanf:"session_ttl_s"`
	MaxEntries       int `koanf:"max_entries"`
	SweepIntervalS   int `koanf:"sweep_interval_s"` // 0 evicts lazily on read
	SessionRateLimit int `koanf:"session_rate_limit"`
	SessionRateBurst int `koanf:"session_rate_burst"`

	// Rules are CEL rules for the local evaluator; YAML only.
	Rules []risk.Rule `koanf:"rules"`
}

// RedisConfig enables the shared session store when Addr is set.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// MandateConfig configures mandate storage and the guarded fetcher.
type MandateConfig struct {
	Store         string   `koanf:"store"` // memory, fs, s3, gcs
	Dir           string   `koanf:"dir"`
	Bucket        string   `koanf:"bucket"`
	Region        string   `koanf:"region"`
	Endpoint      string   `koanf:"endpoint"`
	Prefix        string   `koanf:"prefix"`
	AllowedHosts  []string `koanf:"allowed_hosts"`
	DNSServer     string   `koanf:"dns_server"`
	AllowRedirect bool     `koanf:"allow_redirect"`
	CacheTTLS     int      `koanf:"cache_ttl_s"`
}

// AuditConfig locates the SQLite audit log.
type AuditConfig struct {
	Path   string `koanf:"path"`
	Retain int    `koanf:"retain"`
}

// UpstreamTimeout is the per-call facilitator timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutS) * time.Second
}

// SessionTTL is the lifetime of risk sessions and traces.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Risk.SessionTTLS) * time.Second
}

// MandateCacheTTL is the fetched-mandate cache lifetime; zero disables the cache.
func (c *Config) MandateCacheTTL() time.Duration {
	return time.Duration(c.Mandate.CacheTTLS) * time.Second
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// defaults are applied before the file and environment layers.
var defaults = map[string]any{
	"port":                        "8080",
	"environment":                 "development",
	"log_level":                   "info",
	"gateway.settle_risk_enabled": false,
	"gateway.debug_enabled":       true,
	"gateway.debug_events":        20,
	"upstream.verify_url":         "http://localhost:8001/verify",
	"upstream.settle_url":         "http://localhost:8001/settle",
	"upstream.timeout_s":          15,
	"risk.local":                  false,
	"risk.engine_url":             "http://localhost:8001",
	"risk.max_retries":            2,
	"risk.session_ttl_s":          900,
	"risk.max_entries":            10000,
	"risk.session_rate_limit":     60,
	"risk.session_rate_burst":     10,
	"mandate.store":               "memory",
	"mandate.cache_ttl_s":         30,
	"audit.path":                  ":memory:",
	"audit.retain":                1000,
}

// envKeys maps environment variables to configuration keys.
var envKeys = map[string]string{
	"PORT":                           "port",
	"ENVIRONMENT":                    "environment",
	"LOG_LEVEL":                      "log_level",
	"GCP_PROJECT":                    "gcp_project",
	"SECRET_NAME":                    "secret_name",
	"TRACING_EXPORTER":               "tracing.exporter",
	"PROXY_SETTLE_RISK_ENABLED":      "gateway.settle_risk_enabled",
	"PROXY_DEBUG_ENABLED":            "gateway.debug_enabled",
	"PROXY_DEBUG_EVENTS":             "gateway.debug_events",
	"PROXY_NETWORK_CHAIN_MAP":        "gateway.network_chain_map",
	"PROXY_UPSTREAM_VERIFY_URL":      "upstream.verify_url",
	"PROXY_UPSTREAM_SETTLE_URL":      "upstream.settle_url",
	"PROXY_TIMEOUT_S":                "upstream.timeout_s",
	"PROXY_UPSTREAM_TLS_FINGERPRINT": "upstream.tls_fingerprint",
	"PROXY_LOCAL_RISK":               "risk.local",
	"PROXY_LOCAL_RISK_TTL":           "risk.session_ttl_s",
	"PROXY_LOCAL_RISK_MAX_ENTRIES":   "risk.max_entries",
	"PROXY_LOCAL_RISK_SWEEP_S":       "risk.sweep_interval_s",
	"RISK_SESSION_RATE_LIMIT":        "risk.session_rate_limit",
	"RISK_SESSION_RATE_BURST":        "risk.session_rate_burst",
	"RISK_ENGINE_URL":                "risk.engine_url",
	"RISK_INTERNAL_TOKEN":            "risk.internal_token",
	"RISK_JWT_SECRET":                "risk.jwt_secret",
	"RISK_MAX_RETRIES":               "risk.max_retries",
	"RISK_ENGINE_COMPAT":             "risk.compat",
	"REDIS_ADDR":                     "redis.addr",
	"REDIS_PASSWORD":                 "redis.password",
	"REDIS_DB":                       "redis.db",
	"MANDATE_STORE":                  "mandate.store",
	"MANDATE_DIR":                    "mandate.dir",
	"MANDATE_BUCKET":                 "mandate.bucket",
	"MANDATE_REGION":                 "mandate.region",
	"MANDATE_ENDPOINT":               "mandate.endpoint",
	"MANDATE_PREFIX":                 "mandate.prefix",
	"MANDATE_ALLOWED_HOSTS":          "mandate.allowed_hosts",
	"MANDATE_DNS_SERVER":             "mandate.dns_server",
	"MANDATE_ALLOW_REDIRECT":         "mandate.allow_redirect",
	"MANDATE_CACHE_TTL":              "mandate.cache_ttl_s",
	"AUDIT_DB_PATH":                  "audit.path",
	"AUDIT_RETAIN":                   "audit.retain",
}

// Load reads configuration from defaults, CONFIG_FILE, environment and,
// in production, Secret Manager. Validates the result.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("setting default %s: %w", key, err)
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Environment overrides the file. Unmapped variables are skipped.
	if err := k.Load(env.ProviderWithValue("", ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.IsProduction() {
		if cfg.GCPProject == "" {
			return nil, fmt.Errorf("GCP_PROJECT required in production environment")
		}
		if cfg.SecretName != "" {
			if err := cfg.loadFromSecretManager(ctx); err != nil {
				return nil, fmt.Errorf("loading secrets: %w", err)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envValue maps an environment variable to its key. Empty values keep the
// lower layers; list values are comma separated.
func envValue(name, value string) (string, any) {
	key, ok := envKeys[name]
	if !ok || value == "" {
		return "", nil
	}
	if key == "mandate.allowed_hosts" {
		return key, splitList(value)
	}
	return key, value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// secrets is the Secret Manager payload. Empty fields leave the current value.
type secrets struct {
	RiskInternalToken string `json:"risk_internal_token"`
	RiskJWTSecret     string `json:"risk_jwt_secret"`
	RedisPassword     string `json:"redis_password"`
}

// loadFromSecretManager fetches secrets from GCP Secret Manager.
// Secret name format: projects/{project}/secrets/{secret_name}/versions/latest
func (c *Config) loadFromSecretManager(ctx context.Context) error {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating secret manager client: %w", err)
	}
	defer client.Close()

	secretName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest",
		c.GCPProject, c.SecretName)

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretName,
	})
	if err != nil {
		return fmt.Errorf("accessing secret %s: %w", secretName, err)
	}
	return c.applySecrets(result.Payload.Data)
}

func (c *Config) applySecrets(data []byte) error {
	var s secrets
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parsing secret JSON: %w", err)
	}
	if s.RiskInternalToken != "" {
		c.Risk.InternalToken = s.RiskInternalToken
	}
	if s.RiskJWTSecret != "" {
		c.Risk.JWTSecret = s.RiskJWTSecret
	}
	if s.RedisPassword != "" {
		c.Redis.Password = s.RedisPassword
	}
	return nil
}

// validate checks modes, URLs and limits, and fills derived fields.
func (c *Config) validate() error {
	switch c.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("environment must be development or production, got %q", c.Environment)
	}

	if err := checkURL("upstream.verify_url", c.Upstream.VerifyURL); err != nil {
		return err
	}
	if err := checkURL("upstream.settle_url", c.Upstream.SettleURL); err != nil {
		return err
	}
	if c.Upstream.TimeoutS <= 0 {
		return fmt.Errorf("upstream.timeout_s must be positive")
	}
	switch c.Upstream.TLSFingerprint {
	case "", "go", "default", "chrome":
	default:
		return fmt.Errorf("unknown upstream.tls_fingerprint %q", c.Upstream.TLSFingerprint)
	}

	if !c.Risk.Local {
		if err := checkURL("risk.engine_url", c.Risk.EngineURL); err != nil {
			return err
		}
	}
	if c.Risk.MaxRetries < 0 {
		return fmt.Errorf("risk.max_retries must not be negative")
	}
	if c.Risk.SessionTTLS <= 0 {
		return fmt.Errorf("risk.session_ttl_s must be positive")
	}
	if len(c.Risk.Rules) > 0 && !c.Risk.Local {
		return fmt.Errorf("risk.rules require the local evaluator")
	}

	switch c.Mandate.Store {
	case "memory":
	case "fs":
		if c.Mandate.Dir == "" {
			return fmt.Errorf("mandate.dir is required for the fs store")
		}
	case "s3", "gcs":
		if c.Mandate.Bucket == "" {
			return fmt.Errorf("mandate.bucket is required for the %s store", c.Mandate.Store)
		}
	default:
		return fmt.Errorf("unknown mandate.store %q", c.Mandate.Store)
	}
	if c.IsProduction() && len(c.Mandate.AllowedHosts) == 0 {
		return fmt.Errorf("mandate.allowed_hosts is required in production")
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter)
	}

	chains, err := evidence.ParseChainMap(c.Gateway.NetworkChainMap)
	if err != nil {
		return fmt.Errorf("gateway.network_chain_map: %w", err)
	}
	c.Gateway.ChainIDs = chains

	return nil
}

// checkURL requires an absolute http(s) URL.
func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s: %q is not an absolute http(s) URL", field, raw)
	}
	return nil
}

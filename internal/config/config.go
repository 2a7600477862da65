// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// DeviceLoginOwner is the only GitHub login allowed to sign in. Empty disables device login.
	DeviceLoginOwner string `mapstructure:"DEVICE_LOGIN_OWNER"`
	// GitHubClientID is the OAuth app client id used for the device flow.
	GitHubClientID string `mapstructure:"GITHUB_CLIENT_ID"`
	// GitHubOAuthURL hosts the device and token endpoints (default https://github.com).
	GitHubOAuthURL string `mapstructure:"GITHUB_OAUTH_URL"`
	// GitHubAPIURL hosts the REST API (default https://api.github.com).
	GitHubAPIURL string `mapstructure:"GITHUB_API_URL"`
	// DeviceFlowMaxConcurrent caps device logins in progress (default 5).
	DeviceFlowMaxConcurrent int `mapstructure:"DEVICE_FLOW_MAX_CONCURRENT"`
	// LoginRatePerMinute limits /auth/device/* per client IP (default 10; 0 disables).
	LoginRatePerMinute int `mapstructure:"LOGIN_RATE_PER_MINUTE"`

	// SessionStorePath is the JSON file holding session token hashes.
	SessionStorePath string `mapstructure:"SESSION_STORE_PATH"`
	// SessionMaxAgeStr is the session lifetime (e.g. "720h"). Parsed by SessionMaxAge.
	SessionMaxAgeStr string `mapstructure:"SESSION_MAX_AGE"`
	// CookieSecure sets the Secure attribute on the session cookie. Must be true in production.
	CookieSecure bool `mapstructure:"COOKIE_SECURE"`
	// TrustedProxies is a comma-separated list of proxy CIDRs whose X-Forwarded-For is honored.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`

	// ApprovalTimeoutStr is how long an approval waits for a human (e.g. "60s"). Parsed by ApprovalTimeout.
	ApprovalTimeoutStr string `mapstructure:"APPROVAL_TIMEOUT"`
	// KnownHostsPath is the known_hosts file for SSH host key trust.
	KnownHostsPath string `mapstructure:"KNOWN_HOSTS_PATH"`

	// Telemetry (optional). When the OTLP endpoint is set, traces, metrics, and event logs are exported.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for trust events (default trust-events).
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the telemetry worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("DEVICE_LOGIN_OWNER", "")
	v.SetDefault("GITHUB_CLIENT_ID", "")
	v.SetDefault("GITHUB_OAUTH_URL", "https://github.com")
	v.SetDefault("GITHUB_API_URL", "https://api.github.com")
	v.SetDefault("DEVICE_FLOW_MAX_CONCURRENT", 5)
	v.SetDefault("LOGIN_RATE_PER_MINUTE", 10)
	v.SetDefault("SESSION_STORE_PATH", "data/sessions.json")
	v.SetDefault("SESSION_MAX_AGE", "720h") // 30d
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("APPROVAL_TIMEOUT", "60s")
	v.SetDefault("KNOWN_HOSTS_PATH", "data/known_hosts")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "trust-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "trust-telemetry-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.DeviceLoginOwner = strings.TrimSpace(cfg.DeviceLoginOwner)

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.SessionStorePath == "" {
		return nil, errors.New("config: SESSION_STORE_PATH must be set")
	}
	if cfg.DeviceLoginOwner != "" && cfg.GitHubClientID == "" {
		return nil, errors.New("config: GITHUB_CLIENT_ID is required when DEVICE_LOGIN_OWNER is set")
	}
	if !cfg.CookieSecure && cfg.Env == "production" {
		return nil, errors.New("config: COOKIE_SECURE must not be false when APP_ENV=production")
	}
	if cfg.DeviceFlowMaxConcurrent <= 0 {
		return nil, errors.New("config: DEVICE_FLOW_MAX_CONCURRENT must be positive")
	}
	if cfg.LoginRatePerMinute < 0 {
		return nil, errors.New("config: LOGIN_RATE_PER_MINUTE must not be negative")
	}

	return &cfg, nil
}

// DeviceLoginEnabled reports whether GitHub device login is configured.
func (c *Config) DeviceLoginEnabled() bool {
	return c != nil && c.DeviceLoginOwner != ""
}

// SessionMaxAge parses SessionMaxAgeStr as a time.Duration. Returns 720h if unset or invalid.
func (c *Config) SessionMaxAge() time.Duration {
	d, err := time.ParseDuration(c.SessionMaxAgeStr)
	if err != nil || d <= 0 {
		return 720 * time.Hour
	}
	return d
}

// ApprovalTimeout parses ApprovalTimeoutStr as a time.Duration. Returns 60s if unset or invalid.
func (c *Config) ApprovalTimeout() time.Duration {
	d, err := time.ParseDuration(c.ApprovalTimeoutStr)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if Kafka telemetry is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TelemetryKafkaBrokers)
}

// TrustedProxiesList returns the trusted proxy CIDRs.
func (c *Config) TrustedProxiesList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TrustedProxies)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

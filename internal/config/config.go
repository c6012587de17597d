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
	// DatabaseURL is the Postgres DSN; empty until DB is wired.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// PortalBaseURL is the public base of the customer portal (e.g. https://portal.example.com); used to build session links.
	PortalBaseURL string `mapstructure:"PORTAL_BASE_URL"`
	// PortalDefaultTTL is the session lifetime when the caller omits one (e.g. "15m").
	PortalDefaultTTL string `mapstructure:"PORTAL_DEFAULT_TTL"`
	// PortalMaxTTL caps caller-supplied session lifetimes (e.g. "24h"). Empty means uncapped.
	PortalMaxTTL string `mapstructure:"PORTAL_MAX_TTL"`
	// PortalReturnURL is where the processor sends customers back after checkout.
	PortalReturnURL string `mapstructure:"PORTAL_RETURN_URL"`
	// AllowedRedirectOrigins is a comma-separated allowlist of checkout URL origins
	// (e.g. "https://checkout.stripe.com"). Empty permits any origin.
	AllowedRedirectOrigins string `mapstructure:"PORTAL_ALLOWED_REDIRECT_ORIGINS"`
	// StaffJWTPublicKey is the PEM-encoded public key or path to file for verifying staff tokens.
	StaffJWTPublicKey string `mapstructure:"STAFF_JWT_PUBLIC_KEY"`
	// StaffJWTIssuer is the expected iss claim on staff tokens.
	StaffJWTIssuer string `mapstructure:"STAFF_JWT_ISSUER"`
	// StaffJWTAudience is the expected aud claim on staff tokens.
	StaffJWTAudience string `mapstructure:"STAFF_JWT_AUDIENCE"`
	// PSPProvider names the payment processor (e.g. "adyen"); "dev" uses the local stub gateway.
	PSPProvider string `mapstructure:"PSP_PROVIDER"`
	// PSPBaseURL is the processor's API base; empty selects the dev gateway.
	PSPBaseURL string `mapstructure:"PSP_BASE_URL"`
	// PSPAPIKey authenticates checkout session calls to the processor.
	PSPAPIKey string `mapstructure:"PSP_API_KEY"`
	// RateLimitPerMinute is the per-client budget for public portal routes; 0 disables limiting.
	RateLimitPerMinute int `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	// WebhookSecrets is a comma-separated provider=secret list for webhook HMAC verification.
	WebhookSecrets string `mapstructure:"WEBHOOK_SECRETS"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// Audit stream (optional). When Kafka brokers are set, audit records are mirrored to Kafka.
	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the Kafka topic for mirrored audit records.
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the audit worker to push records (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the audit worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// OTLPEndpoint enables OpenTelemetry export when set (e.g. localhost:4317).
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
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
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("PORTAL_BASE_URL", "http://localhost:8080")
	v.SetDefault("PORTAL_DEFAULT_TTL", "15m")
	v.SetDefault("PORTAL_MAX_TTL", "24h")
	v.SetDefault("PORTAL_RETURN_URL", "http://localhost:8080/portal/return")
	v.SetDefault("PORTAL_ALLOWED_REDIRECT_ORIGINS", "")
	v.SetDefault("PSP_PROVIDER", "dev")
	v.SetDefault("PSP_BASE_URL", "")
	v.SetDefault("PSP_API_KEY", "")
	v.SetDefault("STAFF_JWT_ISSUER", "portal-staff-auth")
	v.SetDefault("STAFF_JWT_AUDIENCE", "portal-api")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("WEBHOOK_SECRETS", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "portal-audit")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "portal-audit-worker")
	v.SetDefault("OTLP_ENDPOINT", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.PortalBaseURL == "" {
		return nil, errors.New("config: PORTAL_BASE_URL must be set")
	}
	if cfg.RateLimitPerMinute < 0 {
		return nil, errors.New("config: RATE_LIMIT_PER_MINUTE must not be negative")
	}

	return &cfg, nil
}

// DefaultTTL parses PortalDefaultTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) DefaultTTL() time.Duration {
	d, err := time.ParseDuration(c.PortalDefaultTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// MaxTTL parses PortalMaxTTL as a time.Duration. Returns 0 (uncapped) if unset or invalid.
func (c *Config) MaxTTL() time.Duration {
	d, err := time.ParseDuration(c.PortalMaxTTL)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the audit mirror is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// AllowedRedirectOriginsList returns the checkout origin allowlist from the
// comma-separated config. Nil means any origin is permitted.
func (c *Config) AllowedRedirectOriginsList() []string {
	if c == nil || c.AllowedRedirectOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedRedirectOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// WebhookSecretMap parses WEBHOOK_SECRETS ("provider=secret,provider2=secret2")
// into a provider->secret map. Malformed entries are skipped.
func (c *Config) WebhookSecretMap() map[string]string {
	out := map[string]string{}
	if c == nil || c.WebhookSecrets == "" {
		return out
	}
	for _, pair := range strings.Split(c.WebhookSecrets, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

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
	// HTTPAddr is the address the API server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// TokenPrivateKey is the PEM-encoded signing key (ECDSA or RSA) or a path to one; tokens are minted with it.
	TokenPrivateKey string `mapstructure:"TOKEN_PRIVATE_KEY"`
	// TokenPublicKey is the PEM-encoded verification key or a path to one.
	TokenPublicKey string `mapstructure:"TOKEN_PUBLIC_KEY"`
	// TokenIssuer is the iss claim stamped into every minted token.
	TokenIssuer string `mapstructure:"TOKEN_ISSUER"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// OperatorToken guards the operator endpoints (seed, reseed, rotating open/close, session admin).
	OperatorToken string `mapstructure:"OPERATOR_TOKEN"`

	// StaleSweepEvery is the cadence of the chain staleness sweeper (e.g. "15s").
	StaleSweepEvery string `mapstructure:"STALE_SWEEP_EVERY"`
	// ScanRatePerMinute caps verification scans per participant per minute; exceeding it answers RATE_LIMITED.
	ScanRatePerMinute int `mapstructure:"SCAN_RATE_PER_MINUTE"`
	// ScanRateBurst is the burst allowance on top of the per-minute rate.
	ScanRateBurst int `mapstructure:"SCAN_RATE_BURST"`

	// Telemetry (optional). When Kafka brokers are set, the server emits scan audit events to Kafka.
	// AuditKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	AuditKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the Kafka topic for scan audit events (default batonrelay-audit).
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the audit worker to push events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the audit worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// OTLPEndpoint is the OTLP gRPC collector address (host:port or URL); empty disables OTel export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// ServiceName overrides the OTel service.name resource attribute.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Kiosk-only: the scanning agent's view of the service.
	// APIBaseURL is the relay service base URL (e.g. http://localhost:8080).
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	// APIToken is the bearer token the kiosk authenticates with.
	APIToken string `mapstructure:"API_TOKEN"`
	// SessionID is the session the kiosk operates.
	SessionID string `mapstructure:"SESSION_ID"`
	// ParticipantID is the participant scans are attributed to.
	ParticipantID string `mapstructure:"PARTICIPANT_ID"`
	// MetricsAddr is where the kiosk serves Prometheus metrics (empty disables it).
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	// WifiSSID is the network name the kiosk reports in its anti-cheat envelope (empty omits it).
	WifiSSID string `mapstructure:"WIFI_SSID"`
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
	v.SetDefault("TOKEN_ISSUER", "batonrelay")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("OPERATOR_TOKEN", "")
	v.SetDefault("STALE_SWEEP_EVERY", "15s")
	v.SetDefault("SCAN_RATE_PER_MINUTE", 30)
	v.SetDefault("SCAN_RATE_BURST", 5)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "batonrelay-audit")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "batonrelay-audit-worker")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "batonrelay")
	v.SetDefault("API_BASE_URL", "")
	v.SetDefault("SESSION_ID", "")
	v.SetDefault("PARTICIPANT_ID", "")
	v.SetDefault("METRICS_ADDR", "")
	v.SetDefault("WIFI_SSID", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.ScanRatePerMinute == 0 {
		cfg.ScanRatePerMinute = 30
	}
	if cfg.ScanRatePerMinute < 1 {
		return nil, errors.New("config: SCAN_RATE_PER_MINUTE must be at least 1")
	}
	if cfg.ScanRateBurst == 0 {
		cfg.ScanRateBurst = 5
	}
	if cfg.ScanRateBurst < 1 {
		return nil, errors.New("config: SCAN_RATE_BURST must be at least 1")
	}

	return &cfg, nil
}

// SweepEvery parses StaleSweepEvery as a time.Duration. Returns 15s if unset or invalid.
func (c *Config) SweepEvery() time.Duration {
	d, err := time.ParseDuration(c.StaleSweepEvery)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// AuditKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the audit pipeline is enabled (non-empty list) and to create the producer.
func (c *Config) AuditKafkaBrokersList() []string {
	if c == nil || c.AuditKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.AuditKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

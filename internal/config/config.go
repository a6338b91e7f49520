// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ephemeral KV (setup bundles, challenges, device trust, attempt counters)
	RedisURL string // optional, uses in-memory KV if not set

	// Audit streaming
	KafkaBrokers    string // comma separated, optional
	KafkaAuditTopic string
	AnchorSchedule  string // cron spec for audit anchoring, empty disables

	// Secrets
	ContextSecret    string // hex, master secret for card context hashes
	BackupCodePepper string // hex, HMAC key for backup code storage
	EncryptionKey    string // hex, 32-byte local key-encryption key
	KMSKeyID         string // AWS KMS key id; when set, replaces the local key-encryption key

	// MFA
	MFAIssuer string

	// Card context
	SessionBoundaryTTL time.Duration

	// Risk
	RiskTimezone   string // IANA name used for time-of-day scoring
	VelocityPreset string

	// Breakers
	BreakerSweepInterval time.Duration

	// Security
	RateLimitRPM int    // requests per minute per client
	AdminSecret  string // Admin API secret

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64 // 0 or 1 keeps every trace
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultRateLimit            = 60
	DefaultKafkaAuditTopic      = "discard.audit"
	DefaultMFAIssuer            = "Discard"
	DefaultSessionBoundaryTTL   = 24 * time.Hour
	DefaultRiskTimezone         = "UTC"
	DefaultVelocityPreset       = "standard"
	DefaultBreakerSweepInterval = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		KafkaBrokers:         os.Getenv("KAFKA_BROKERS"),
		KafkaAuditTopic:      getEnv("KAFKA_AUDIT_TOPIC", DefaultKafkaAuditTopic),
		AnchorSchedule:       os.Getenv("AUDIT_ANCHOR_SCHEDULE"),
		ContextSecret:        os.Getenv("CONTEXT_SECRET"), // Required, no default
		BackupCodePepper:     os.Getenv("BACKUP_CODE_PEPPER"),
		EncryptionKey:        os.Getenv("ENCRYPTION_KEY"),
		KMSKeyID:             os.Getenv("KMS_KEY_ID"),
		MFAIssuer:            getEnv("MFA_ISSUER", DefaultMFAIssuer),
		SessionBoundaryTTL:   getEnvDuration("SESSION_BOUNDARY_TTL", DefaultSessionBoundaryTTL),
		RiskTimezone:         getEnv("RISK_TIMEZONE", DefaultRiskTimezone),
		VelocityPreset:       getEnv("VELOCITY_PRESET", DefaultVelocityPreset),
		BreakerSweepInterval: getEnvDuration("BREAKER_SWEEP_INTERVAL", DefaultBreakerSweepInterval),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ContextSecret == "" {
		return fmt.Errorf("CONTEXT_SECRET is required")
	}
	if err := checkHexKey("CONTEXT_SECRET", c.ContextSecret, 32); err != nil {
		return err
	}

	if c.BackupCodePepper == "" {
		return fmt.Errorf("BACKUP_CODE_PEPPER is required")
	}
	if err := checkHexKey("BACKUP_CODE_PEPPER", c.BackupCodePepper, 16); err != nil {
		return err
	}

	if c.KMSKeyID == "" {
		if c.EncryptionKey == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required when KMS_KEY_ID is not set")
		}
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters")
		}
	}

	if _, err := time.LoadLocation(c.RiskTimezone); err != nil {
		return fmt.Errorf("RISK_TIMEZONE: %w", err)
	}

	switch c.VelocityPreset {
	case "conservative", "standard", "premium", "institutional":
	default:
		return fmt.Errorf("VELOCITY_PRESET must be one of conservative, standard, premium, institutional")
	}

	if c.SessionBoundaryTTL <= 0 {
		return fmt.Errorf("SESSION_BOUNDARY_TTL must be positive")
	}

	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves RiskTimezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.RiskTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Helper functions

func checkHexKey(name, value string, minBytes int) error {
	b, err := hex.DecodeString(value)
	if err != nil {
		return fmt.Errorf("%s must be hex encoded", name)
	}
	if len(b) < minBytes {
		return fmt.Errorf("%s must be at least %d bytes", name, minBytes)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

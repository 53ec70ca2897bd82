// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
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
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	StorageTimeout time.Duration

	// Sessions
	SessionSecret string

	// PIN lockout
	PINLockThreshold int
	PINLockDuration  time.Duration

	// Alerts
	AlertQueueSize     int
	AlertRetryAttempts int
	SummaryAlertLimit  int

	// Security
	RateLimitRPM int
	CORSOrigins  []string // empty allows any origin without credentials

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultStorageTimeout     = 3 * time.Second
	DefaultPINLockThreshold   = 1
	DefaultPINLockDuration    = time.Hour
	DefaultAlertQueueSize     = 256
	DefaultAlertRetryAttempts = 3
	DefaultSummaryAlertLimit  = 10
	DefaultRateLimitRPM       = 120

	// MinSessionSecretLen is the shortest accepted HMAC key.
	MinSessionSecretLen = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StorageTimeout:     getEnvDuration("STORAGE_TIMEOUT", DefaultStorageTimeout),
		SessionSecret:      os.Getenv("SESSION_SECRET"), // Required, no default
		PINLockThreshold:   getEnvInt("PIN_LOCK_THRESHOLD", DefaultPINLockThreshold),
		PINLockDuration:    getEnvDuration("PIN_LOCK_DURATION", DefaultPINLockDuration),
		AlertQueueSize:     getEnvInt("ALERT_QUEUE_SIZE", DefaultAlertQueueSize),
		AlertRetryAttempts: getEnvInt("ALERT_RETRY_ATTEMPTS", DefaultAlertRetryAttempts),
		SummaryAlertLimit:  getEnvInt("SUMMARY_ALERT_LIMIT", DefaultSummaryAlertLimit),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		CORSOrigins:        getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if len(c.SessionSecret) < MinSessionSecretLen {
		return fmt.Errorf("SESSION_SECRET must be at least %d bytes", MinSessionSecretLen)
	}
	if c.PINLockThreshold <= 0 {
		return fmt.Errorf("PIN_LOCK_THRESHOLD must be positive")
	}
	if c.PINLockDuration <= 0 {
		return fmt.Errorf("PIN_LOCK_DURATION must be positive")
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

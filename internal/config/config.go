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

// Interest modes accepted by INTEREST_MODE.
const (
	InterestCompound = "compound"
	InterestSimple   = "simple"
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
	AutoMigrate bool   // apply goose migrations on startup

	// Tracing
	OTLPEndpoint string // empty disables tracing

	// Scheduling
	OverdueScanSchedule string        // cron spec for the overdue scanner
	TokenExpiryInterval time.Duration // ticker interval for the token expiry sweep

	// Credit policy
	FreezeThreshold        int // overdue payments that freeze a token; 0 disables
	InstallmentPeriodDays  int // days between installment due dates
	InterestMode           string
	DefaultMaxInstallments int
	DefaultInterestRateBps int64
	TokenTTLDays           int

	// Security
	RailWebhookSecret string   // HMAC key for payment rail callbacks (optional)
	AdminSecret       string   // Admin API secret
	CORSOrigins       []string // empty allows any origin
	RateLimitRPM      int      // per-caller sustained requests per minute; 0 disables
	RateLimitBurst    int
}

const (
	DefaultPort                        = "8080"
	DefaultEnv                         = "development"
	DefaultLogLevel                    = "info"
	DefaultLogFormat                   = "text"
	DefaultOverdueScanSchedule         = "@daily"
	DefaultTokenExpiryInterval         = time.Hour
	DefaultFreezeThreshold             = 3
	DefaultInstallmentPeriodDays       = 30
	DefaultMaxInstallments             = 12
	DefaultInterestRateBps             = 0
	DefaultTokenTTLDays                = 365
	DefaultRateLimitRPM                = 120
	DefaultRateLimitBurst              = 20
	maxInstallmentsCeiling             = 120
	maxInterestRateBps           int64 = 10_000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		AutoMigrate:            getEnvBool("AUTO_MIGRATE", false),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OverdueScanSchedule:    getEnv("OVERDUE_SCAN_SCHEDULE", DefaultOverdueScanSchedule),
		TokenExpiryInterval:    getEnvDuration("TOKEN_EXPIRY_INTERVAL", DefaultTokenExpiryInterval),
		FreezeThreshold:        int(getEnvInt64("FREEZE_THRESHOLD", DefaultFreezeThreshold)),
		InstallmentPeriodDays:  int(getEnvInt64("INSTALLMENT_PERIOD_DAYS", DefaultInstallmentPeriodDays)),
		InterestMode:           getEnv("INTEREST_MODE", InterestCompound),
		DefaultMaxInstallments: int(getEnvInt64("DEFAULT_MAX_INSTALLMENTS", DefaultMaxInstallments)),
		DefaultInterestRateBps: getEnvInt64("DEFAULT_INTEREST_RATE_BPS", DefaultInterestRateBps),
		TokenTTLDays:           int(getEnvInt64("TOKEN_TTL_DAYS", DefaultTokenTTLDays)),
		RailWebhookSecret:      os.Getenv("RAIL_WEBHOOK_SECRET"),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		CORSOrigins:            getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:         int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges. Every setting has a usable default, so an
// empty environment is valid.
func (c *Config) Validate() error {
	if c.InterestMode != InterestCompound && c.InterestMode != InterestSimple {
		return fmt.Errorf("INTEREST_MODE must be %q or %q", InterestCompound, InterestSimple)
	}
	if c.InstallmentPeriodDays < 1 {
		return fmt.Errorf("INSTALLMENT_PERIOD_DAYS must be at least 1")
	}
	if c.DefaultMaxInstallments < 1 || c.DefaultMaxInstallments > maxInstallmentsCeiling {
		return fmt.Errorf("DEFAULT_MAX_INSTALLMENTS must be between 1 and %d", maxInstallmentsCeiling)
	}
	if c.DefaultInterestRateBps < 0 || c.DefaultInterestRateBps > maxInterestRateBps {
		return fmt.Errorf("DEFAULT_INTEREST_RATE_BPS must be between 0 and %d", maxInterestRateBps)
	}
	if c.TokenTTLDays < 1 {
		return fmt.Errorf("TOKEN_TTL_DAYS must be at least 1")
	}
	if c.FreezeThreshold < 0 {
		return fmt.Errorf("FREEZE_THRESHOLD must not be negative")
	}
	if c.TokenExpiryInterval <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY_INTERVAL must be positive")
	}
	if c.OverdueScanSchedule == "" {
		return fmt.Errorf("OVERDUE_SCAN_SCHEDULE is required")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	// An empty secret makes the rail webhook accept unsigned settlements.
	if c.IsProduction() && c.RailWebhookSecret == "" {
		return fmt.Errorf("RAIL_WEBHOOK_SECRET is required in production")
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

// InstallmentPeriod returns the spacing between due dates.
func (c *Config) InstallmentPeriod() time.Duration {
	return time.Duration(c.InstallmentPeriodDays) * 24 * time.Hour
}

// TokenTTL returns how long a newly issued token stays valid.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLDays) * 24 * time.Hour
}

// Helper functions

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

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment custody
	StripeSecretKey string  // Stripe API key; empty = fake gateway (development)
	ServiceFeeRate  float64 // Platform fee as a fraction of the subtotal

	// Marketplace policy
	AutoAcceptGrace  time.Duration // Time before a delivery auto-accepts
	ResponseDeadline time.Duration // Time a dispute respondent has to answer
	ProposalExpiry   time.Duration // Default lifetime of a settlement proposal
	AppealLimit      int           // Max appeals per dispute

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for tracing (optional)

	// Security
	WebhookSecret string // HMAC secret for signing outbound notifications
	AdminSecret   string // Admin API secret
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultServiceFeeRate   = 0.05
	DefaultAutoAcceptGrace  = 72 * time.Hour
	DefaultResponseDeadline = 48 * time.Hour
	DefaultProposalExpiry   = 72 * time.Hour
	DefaultAppealLimit      = 2
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:  os.Getenv("STRIPE_SECRET_KEY"),
		ServiceFeeRate:   getEnvFloat("SERVICE_FEE_RATE", DefaultServiceFeeRate),
		AutoAcceptGrace:  getEnvDuration("AUTO_ACCEPT_GRACE", DefaultAutoAcceptGrace),
		ResponseDeadline: getEnvDuration("DISPUTE_RESPONSE_DEADLINE", DefaultResponseDeadline),
		ProposalExpiry:   getEnvDuration("PROPOSAL_EXPIRY", DefaultProposalExpiry),
		AppealLimit:      int(getEnvInt64("APPEAL_LIMIT", DefaultAppealLimit)),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are sane
func (c *Config) Validate() error {
	if c.ServiceFeeRate < 0 || c.ServiceFeeRate >= 1 {
		return fmt.Errorf("SERVICE_FEE_RATE must be in [0, 1), got %v", c.ServiceFeeRate)
	}
	if c.AppealLimit < 0 {
		return fmt.Errorf("APPEAL_LIMIT must be non-negative, got %d", c.AppealLimit)
	}
	if c.AutoAcceptGrace <= 0 {
		return fmt.Errorf("AUTO_ACCEPT_GRACE must be positive, got %v", c.AutoAcceptGrace)
	}
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
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

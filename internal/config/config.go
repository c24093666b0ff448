// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/tmarkov/timebank/internal/hours"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger settings
	SignupGrantHours string // TimeBank hours granted on signup (e.g., "3.00")
	MinOfferHours    string // Minimum hours a handshake may carry

	// Security
	JWTSecret     string // Secret for verifying member bearer tokens
	AdminSecret   string // Admin API secret
	WebhookSecret string // HMAC secret for signing outbound webhooks
	RateLimitRPS  int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)

	// Reconcile settings
	PeerURL              string // Remote peer to reconcile handshakes against (optional)
	ReconcileIntervalSec int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultSignupGrant       = "3.00"
	DefaultMinOfferHours     = "0.50"
	DefaultRateLimit         = 100
	DefaultReconcileInterval = 30
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SignupGrantHours:     getEnv("SIGNUP_GRANT_HOURS", DefaultSignupGrant),
		MinOfferHours:        getEnv("MIN_OFFER_HOURS", DefaultMinOfferHours),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:         getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
		PeerURL:              os.Getenv("PEER_URL"),
		ReconcileIntervalSec: getEnvInt("RECONCILE_INTERVAL_SEC", DefaultReconcileInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if _, ok := hours.Parse(c.SignupGrantHours); !ok {
		return fmt.Errorf("SIGNUP_GRANT_HOURS is not a valid hour amount: %q", c.SignupGrantHours)
	}
	if _, ok := hours.Parse(c.MinOfferHours); !ok {
		return fmt.Errorf("MIN_OFFER_HOURS is not a valid hour amount: %q", c.MinOfferHours)
	}

	if c.ReconcileIntervalSec <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL_SEC must be positive")
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

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

	// Payment gateway
	PaymentProvider     string // "paystack" or "stripe"
	PaystackSecret      string // Paystack secret key (sk_...)
	PaystackBaseURL     string
	StripeSecret        string // Stripe secret key
	StripeWebhookSecret string // Stripe webhook signing secret (whsec_...)

	// KYC provider
	KYCBaseURL string
	KYCAPIKey  string

	// Trading policy
	DefaultTradeWindow time.Duration // Payment window when an offer sets none
	MaxTradeWindow     time.Duration
	UnverifiedTradeCap string // Max stablecoin per trade without KYC ("" disables the cap)

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultPaystackBaseURL = "https://api.paystack.co"
	DefaultRateLimit       = 100
	DefaultTradeWindowMin  = 30
	MaxTradeWindowMin      = 180
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PaymentProvider:     getEnv("PAYMENT_PROVIDER", "paystack"),
		PaystackSecret:      os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:     getEnv("PAYSTACK_BASE_URL", DefaultPaystackBaseURL),
		StripeSecret:        os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		KYCBaseURL:          os.Getenv("KYC_BASE_URL"),
		KYCAPIKey:           os.Getenv("KYC_API_KEY"),
		DefaultTradeWindow:  time.Duration(getEnvInt64("DEFAULT_TRADE_WINDOW_MINUTES", DefaultTradeWindowMin)) * time.Minute,
		MaxTradeWindow:      time.Duration(getEnvInt64("MAX_TRADE_WINDOW_MINUTES", MaxTradeWindowMin)) * time.Minute,
		UnverifiedTradeCap:  getEnv("KYC_UNVERIFIED_TRADE_CAP", "500"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.PaymentProvider {
	case "paystack", "stripe":
	default:
		return fmt.Errorf("PAYMENT_PROVIDER must be paystack or stripe, got %q", c.PaymentProvider)
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.PaymentProvider == "paystack" && c.PaystackSecret == "" {
			return fmt.Errorf("PAYSTACK_SECRET_KEY is required when PAYMENT_PROVIDER=paystack")
		}
		if c.PaymentProvider == "stripe" && c.StripeSecret == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe")
		}
	}

	if c.DefaultTradeWindow <= 0 || c.DefaultTradeWindow > c.MaxTradeWindow {
		return fmt.Errorf("DEFAULT_TRADE_WINDOW_MINUTES must be positive and at most MAX_TRADE_WINDOW_MINUTES")
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

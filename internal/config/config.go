// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Payment gateway (Paystack-compatible REST API)
	GatewayBaseURL       string
	GatewaySecretKey     string
	GatewayWebhookSecret string // HMAC-SHA512 shared secret for inbound webhooks
	GatewayMaxRetries    int
	GatewayTimeoutSecs   int

	// Stripe (card channel)
	StripeSecretKey  string
	StripeSuccessURL string
	StripeCancelURL  string

	// Notification collaborator (fire-and-forget)
	NotifyURL    string
	NotifySecret string

	// Rewards
	StreakSecret    string // server secret for the daily claim hash
	WelcomeBonusMin string // naira, e.g. "100.00"
	WelcomeBonusMax string
	ReferralBonus   string
	StreakBaseAward string

	// Escrow
	PlatformFeePercent float64 // default percentage, clamped to [3,6]

	// Security / limits
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultGatewayBaseURL = "https://api.paystack.co"
	DefaultMaxRetries     = 3
	DefaultTimeoutSecs    = 30
	DefaultFeePercent     = 5.0
	DefaultRateLimit      = 120
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", DefaultGatewayBaseURL),
		GatewaySecretKey:     os.Getenv("GATEWAY_SECRET_KEY"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayMaxRetries:    getEnvInt("GATEWAY_MAX_RETRIES", DefaultMaxRetries),
		GatewayTimeoutSecs:   getEnvInt("GATEWAY_TIMEOUT_SECS", DefaultTimeoutSecs),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeSuccessURL:     getEnv("STRIPE_SUCCESS_URL", "https://campuspay.app/wallet/success"),
		StripeCancelURL:      getEnv("STRIPE_CANCEL_URL", "https://campuspay.app/wallet/cancel"),
		NotifyURL:            os.Getenv("NOTIFY_URL"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
		StreakSecret:         os.Getenv("STREAK_SECRET"),
		WelcomeBonusMin:      getEnv("WELCOME_BONUS_MIN", "100.00"),
		WelcomeBonusMax:      getEnv("WELCOME_BONUS_MAX", "500.00"),
		ReferralBonus:        getEnv("REFERRAL_BONUS", "200.00"),
		StreakBaseAward:      getEnv("STREAK_BASE_AWARD", "10.00"),
		PlatformFeePercent:   getEnvFloat("PLATFORM_FEE_PERCENT", DefaultFeePercent),
		RateLimitRPM:         getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.GatewaySecretKey == "" {
		return fmt.Errorf("GATEWAY_SECRET_KEY is required")
	}
	if c.GatewayWebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required")
	}
	if c.StreakSecret == "" {
		return fmt.Errorf("STREAK_SECRET is required")
	}
	if c.PlatformFeePercent < 3 || c.PlatformFeePercent > 6 {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be between 3 and 6, got %.2f", c.PlatformFeePercent)
	}
	if c.GatewayMaxRetries < 1 {
		return fmt.Errorf("GATEWAY_MAX_RETRIES must be at least 1")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

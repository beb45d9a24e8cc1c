// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)

	// Trade lifecycle policy
	TradeExpiryMinutes  int     // Window a buyer has to confirm payment
	ReleaseGraceMinutes int     // Grace after payment confirmation before auto-release
	AutoRelease         bool    // Whether the sweeper may release on the seller's behalf
	SweepIntervalSec    int     // How often the expiry sweeper runs
	FeePercent          float64 // Settlement fee taken from the released amount
	PlatformAccount     string  // Account credited with fees

	// Actors allowed to resolve disputes
	ArbiterIDs []string

	// Fraud guard ceilings
	MaxTradesPerDay      int
	MaxCancelsPerDay     int
	MaxDisputesPerDay    int
	MaxTradeAmount       string  // Decimal amount ceiling per trade
	FraudBlockThreshold  float64 // Risk score at or above which an operation is blocked
}

// Defaults.
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultTradeExpiry   = 30 // minutes
	DefaultReleaseGrace  = 60 // minutes
	DefaultSweepInterval = 30 // seconds
	DefaultMaxTrades     = 10
	DefaultMaxCancels    = 5
	DefaultMaxDisputes   = 3
	DefaultMaxAmount     = "10000"
	DefaultBlockScore    = 0.8
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TradeExpiryMinutes:  getEnvInt("TRADE_EXPIRY_MINUTES", DefaultTradeExpiry),
		ReleaseGraceMinutes: getEnvInt("RELEASE_GRACE_MINUTES", DefaultReleaseGrace),
		AutoRelease:         getEnvBool("AUTO_RELEASE", true),
		SweepIntervalSec:    getEnvInt("SWEEP_INTERVAL_SECONDS", DefaultSweepInterval),
		FeePercent:          getEnvFloat("FEE_PERCENT", 0),
		PlatformAccount:     getEnv("PLATFORM_ACCOUNT", "platform"),
		ArbiterIDs:          getEnvList("ARBITER_IDS"),
		MaxTradesPerDay:     getEnvInt("MAX_TRADES_PER_DAY", DefaultMaxTrades),
		MaxCancelsPerDay:    getEnvInt("MAX_CANCELS_PER_DAY", DefaultMaxCancels),
		MaxDisputesPerDay:   getEnvInt("MAX_DISPUTES_PER_DAY", DefaultMaxDisputes),
		MaxTradeAmount:      getEnv("MAX_TRADE_AMOUNT", DefaultMaxAmount),
		FraudBlockThreshold: getEnvFloat("FRAUD_BLOCK_THRESHOLD", DefaultBlockScore),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.TradeExpiryMinutes <= 0 {
		return fmt.Errorf("TRADE_EXPIRY_MINUTES must be positive")
	}
	if c.ReleaseGraceMinutes <= 0 {
		return fmt.Errorf("RELEASE_GRACE_MINUTES must be positive")
	}
	if c.SweepIntervalSec <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.FeePercent < 0 || c.FeePercent >= 100 {
		return fmt.Errorf("FEE_PERCENT must be in [0, 100)")
	}
	if c.FraudBlockThreshold <= 0 || c.FraudBlockThreshold > 1 {
		return fmt.Errorf("FRAUD_BLOCK_THRESHOLD must be in (0, 1]")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Escrow derives the value object injected into the trade service. Keeping
// policy on an immutable value rather than a process-wide settings singleton
// keeps the state machine testable.
func (c *Config) Escrow() EscrowConfig {
	return EscrowConfig{
		TradeExpiry:     time.Duration(c.TradeExpiryMinutes) * time.Minute,
		ReleaseGrace:    time.Duration(c.ReleaseGraceMinutes) * time.Minute,
		AutoRelease:     c.AutoRelease,
		FeePercent:      c.FeePercent,
		PlatformAccount: c.PlatformAccount,
	}
}

// EscrowConfig is the trade lifecycle policy passed into each operation.
type EscrowConfig struct {
	TradeExpiry     time.Duration
	ReleaseGrace    time.Duration
	AutoRelease     bool
	FeePercent      float64
	PlatformAccount string
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

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
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

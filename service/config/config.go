package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Ledger configuration
	Network        string
	LedgerNodeURLs []string
	AddressHRP     string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Settlement policy
	RoyaltyFeeRate       float64
	MinTransferThreshold uint64
	RoyaltyPaymentDelay  time.Duration
	TradeFeeAddress      string

	// Execution configuration
	MaxRetry       int
	LookupAttempts int
	LookupDelay    time.Duration
	RentVByteCost  uint64

	// Sweep configuration
	ExpiryPageSize int
}

// Load reads configuration from environment variables and validates all
// required fields. Returns an error if any required configuration is
// missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Ledger configuration
	cfg.Network = os.Getenv("NETWORK")
	if cfg.Network == "" {
		errs = append(errs, fmt.Errorf("NETWORK is required"))
	}
	if urls := os.Getenv("LEDGER_NODE_URLS"); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.LedgerNodeURLs = append(cfg.LedgerNodeURLs, u)
			}
		}
	}
	if len(cfg.LedgerNodeURLs) == 0 {
		errs = append(errs, fmt.Errorf("LEDGER_NODE_URLS is required"))
	}
	cfg.AddressHRP = getEnvOrDefault("ADDRESS_HRP", "smr")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "settler-settlement")

	// Settlement policy
	royalty, err := parseFloat("ROYALTY_FEE_RATE", 0.05)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RoyaltyFeeRate = royalty
	}
	minTransfer, err := parseUint("MIN_TRANSFER_THRESHOLD", 1000)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MinTransferThreshold = minTransfer
	}
	royaltyDelay, err := parseDuration("ROYALTY_PAYMENT_DELAY", "1m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RoyaltyPaymentDelay = royaltyDelay
	}
	cfg.TradeFeeAddress = os.Getenv("TRADE_FEE_ADDRESS")

	// Execution configuration
	maxRetry, err := parseInt("MAX_RETRY", 5)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxRetry = maxRetry
	}
	lookupAttempts, err := parseInt("LOOKUP_ATTEMPTS", 10)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LookupAttempts = lookupAttempts
	}
	lookupDelay, err := parseDuration("LOOKUP_DELAY", "2s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LookupDelay = lookupDelay
	}
	vbyteCost, err := parseUint("RENT_VBYTE_COST", 100)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RentVByteCost = vbyteCost
	}

	// Sweep configuration
	pageSize, err := parseInt("EXPIRY_PAGE_SIZE", 50)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ExpiryPageSize = pageSize
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for worker initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}
	if c.Network == "" {
		errs = append(errs, fmt.Errorf("Network is required"))
	}
	if len(c.LedgerNodeURLs) == 0 {
		errs = append(errs, fmt.Errorf("LedgerNodeURLs is required"))
	}
	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}
	if c.RoyaltyFeeRate < 0 || c.RoyaltyFeeRate >= 1 {
		errs = append(errs, fmt.Errorf("RoyaltyFeeRate must be in [0, 1)"))
	}
	if c.MaxRetry < 1 {
		errs = append(errs, fmt.Errorf("MaxRetry must be at least 1"))
	}
	if c.LookupAttempts < 1 {
		errs = append(errs, fmt.Errorf("LookupAttempts must be at least 1"))
	}
	if c.RentVByteCost == 0 {
		errs = append(errs, fmt.Errorf("RentVByteCost must be positive"))
	}
	if c.ExpiryPageSize < 1 {
		errs = append(errs, fmt.Errorf("ExpiryPageSize must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseUint parses an unsigned integer from an environment variable or uses a default.
func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid unsigned integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseFloat parses a float from an environment variable or uses a default.
func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

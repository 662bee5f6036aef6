/*
Package config loads runtime configuration from the environment.

A .env file is honored when present (local development); real deployments
inject the same variables through the process environment. Every knob has
a sane default so the service starts with no configuration at all, using
an on-disk SQLite database and the sandbox processor URL.
*/
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Jobs      JobsConfig
	Payout    PayoutConfig
	Processor ProcessorConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port        string
	Environment string
}

type DatabaseConfig struct {
	Path string
}

type JobsConfig struct {
	ClearingEnabled  bool
	ClearingHourUTC  int
	PayoutsEnabled   bool
	PayoutInterval   time.Duration
	PayoutCallDelay  time.Duration
	PayoutBatchLimit int
}

type PayoutConfig struct {
	MinimumAmount       string
	Currency            string
	DefaultClearingDays int
	PlatformAccount     string
	PreflightCheck      bool
}

type ProcessorConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	clearingEnabled, _ := strconv.ParseBool(getEnv("CLEARING_ENABLED", "true"))
	clearingHour, _ := strconv.Atoi(getEnv("CLEARING_HOUR_UTC", "2"))
	payoutsEnabled, _ := strconv.ParseBool(getEnv("PAYOUTS_ENABLED", "true"))
	payoutBatchLimit, _ := strconv.Atoi(getEnv("PAYOUT_BATCH_LIMIT", "100"))
	clearingDays, _ := strconv.Atoi(getEnv("DEFAULT_CLEARING_DAYS", "7"))
	preflight, _ := strconv.ParseBool(getEnv("PROCESSOR_PREFLIGHT_CHECK", "false"))

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/settlement.db"),
		},
		Jobs: JobsConfig{
			ClearingEnabled:  clearingEnabled,
			ClearingHourUTC:  clearingHour,
			PayoutsEnabled:   payoutsEnabled,
			PayoutInterval:   getEnvDuration("PAYOUT_INTERVAL", time.Hour),
			PayoutCallDelay:  getEnvDuration("PAYOUT_CALL_DELAY", time.Second),
			PayoutBatchLimit: payoutBatchLimit,
		},
		Payout: PayoutConfig{
			MinimumAmount:       getEnv("MINIMUM_PAYOUT", "25.00"),
			Currency:            getEnv("PAYOUT_CURRENCY", "usd"),
			DefaultClearingDays: clearingDays,
			PlatformAccount:     getEnv("PROCESSOR_PLATFORM_ACCOUNT", ""),
			PreflightCheck:      preflight,
		},
		Processor: ProcessorConfig{
			BaseURL: getEnv("PROCESSOR_BASE_URL", "https://sandbox.processor.local"),
			APIKey:  getEnv("PROCESSOR_API_KEY", ""),
			Timeout: getEnvDuration("PROCESSOR_TIMEOUT", 30*time.Second),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

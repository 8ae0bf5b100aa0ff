// Package config provides configuration management functionality.
//
// Configuration is loaded from environment variables (with an optional
// .env file) via godotenv, the same loading order the rest of this
// codebase uses: .env first, environment variables second, in-code
// defaults last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DataDir string // Base directory for the SQLite store (always absolute)

	LogLevel  string // Log level (debug, info, warn, error)
	LogPretty bool   // Pretty-print logs to stdout (dev convenience)

	Port int // HTTP server bind port

	// BatchSize is the chunk size for raw price/cashflow inserts and the
	// prefetch width for keyset-paginated reads. Cache-table writes are
	// chunked at a fixed 10,000 rows regardless of this value.
	BatchSize int

	// RetentionSweepCron is the cron schedule (seconds-resolution,
	// robfig/cron/v3 format) on which refresh() + retention GC run.
	RetentionSweepCron string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// godotenv.Load() returns an error if .env doesn't exist; that's fine.
	_ = godotenv.Load()

	dataDir := getEnv("TIMELINE_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:            absDataDir,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogPretty:          getEnvAsBool("LOG_PRETTY", false),
		Port:               getEnvAsInt("TIMELINE_PORT", 8080),
		BatchSize:          getEnvAsInt("TIMELINE_BATCH_SIZE", 10_000),
		RetentionSweepCron: getEnv("TIMELINE_SWEEP_CRON", "0 */5 * * * *"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("TIMELINE_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("TIMELINE_PORT out of range: %d", c.Port)
	}
	return nil
}

// getEnv retrieves an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a default value.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean with a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

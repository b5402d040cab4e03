// Package config loads and validates backend server configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all backend server configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	DataDir     string // Root directory for the sqlite database and artifacts.
	DatabaseDSN string // Overrides the DSN derived from DataDir when set.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel          string
	MetricBufferSize  int
	MetricFlushPeriod time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:              envInt("TRACKLAB_PORT", 8315),
		ReadTimeout:       envDuration("TRACKLAB_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      envDuration("TRACKLAB_WRITE_TIMEOUT", 30*time.Second),
		DataDir:           envStr("TRACKLAB_DATA_DIR", defaultDataDir()),
		DatabaseDSN:       envStr("TRACKLAB_DATABASE_DSN", ""),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "tracklab"),
		LogLevel:          envStr("TRACKLAB_LOG_LEVEL", "info"),
		MetricBufferSize:  envInt("TRACKLAB_METRIC_BUFFER_SIZE", 1000),
		MetricFlushPeriod: envDuration("TRACKLAB_METRIC_FLUSH_PERIOD", 100*time.Millisecond),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: TRACKLAB_PORT must be in (0,65535]")
	}
	if c.DataDir == "" && c.DatabaseDSN == "" {
		return fmt.Errorf("config: TRACKLAB_DATA_DIR or TRACKLAB_DATABASE_DSN is required")
	}
	if c.MetricBufferSize <= 0 {
		return fmt.Errorf("config: TRACKLAB_METRIC_BUFFER_SIZE must be positive")
	}
	if c.MetricFlushPeriod <= 0 {
		return fmt.Errorf("config: TRACKLAB_METRIC_FLUSH_PERIOD must be positive")
	}
	return nil
}

// DSN returns the sqlite DSN, preferring the explicit override.
func (c Config) DSN() string {
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN
	}
	return filepath.Join(c.DataDir, "tracklab.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tracklab"
	}
	return filepath.Join(home, ".tracklab")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

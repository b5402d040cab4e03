package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8315 {
		t.Errorf("Port = %d, want 8315", cfg.Port)
	}
	if cfg.MetricBufferSize != 1000 {
		t.Errorf("MetricBufferSize = %d, want 1000", cfg.MetricBufferSize)
	}
	if cfg.MetricFlushPeriod != 100*time.Millisecond {
		t.Errorf("MetricFlushPeriod = %v, want 100ms", cfg.MetricFlushPeriod)
	}
	if cfg.ServiceName != "tracklab" {
		t.Errorf("ServiceName = %q, want tracklab", cfg.ServiceName)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should default to a non-empty path")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TRACKLAB_PORT", "9000")
	t.Setenv("TRACKLAB_DATA_DIR", "/tmp/tl")
	t.Setenv("TRACKLAB_METRIC_BUFFER_SIZE", "50")
	t.Setenv("TRACKLAB_METRIC_FLUSH_PERIOD", "2s")
	t.Setenv("TRACKLAB_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.DataDir != "/tmp/tl" {
		t.Errorf("DataDir = %q, want /tmp/tl", cfg.DataDir)
	}
	if cfg.MetricBufferSize != 50 {
		t.Errorf("MetricBufferSize = %d, want 50", cfg.MetricBufferSize)
	}
	if cfg.MetricFlushPeriod != 2*time.Second {
		t.Errorf("MetricFlushPeriod = %v, want 2s", cfg.MetricFlushPeriod)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("TRACKLAB_PORT", "not-a-number")
	t.Setenv("TRACKLAB_METRIC_FLUSH_PERIOD", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8315 {
		t.Errorf("Port = %d, want default 8315 on parse failure", cfg.Port)
	}
	if cfg.MetricFlushPeriod != 100*time.Millisecond {
		t.Errorf("MetricFlushPeriod = %v, want default 100ms on parse failure", cfg.MetricFlushPeriod)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Port = 0 },
			wantErr: "TRACKLAB_PORT",
		},
		{
			name:    "no storage location",
			mutate:  func(c *Config) { c.DataDir = ""; c.DatabaseDSN = "" },
			wantErr: "TRACKLAB_DATA_DIR or TRACKLAB_DATABASE_DSN",
		},
		{
			name:    "zero buffer size",
			mutate:  func(c *Config) { c.MetricBufferSize = 0 },
			wantErr: "TRACKLAB_METRIC_BUFFER_SIZE",
		},
		{
			name:    "zero flush period",
			mutate:  func(c *Config) { c.MetricFlushPeriod = 0 },
			wantErr: "TRACKLAB_METRIC_FLUSH_PERIOD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Port:              8315,
				DataDir:           "/tmp/tl",
				MetricBufferSize:  1000,
				MetricFlushPeriod: 100 * time.Millisecond,
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	cfg := Config{DataDir: "/var/lib/tracklab"}
	if got, want := cfg.DSN(), filepath.Join("/var/lib/tracklab", "tracklab.db"); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}

	cfg.DatabaseDSN = "file::memory:?cache=shared"
	if got := cfg.DSN(); got != "file::memory:?cache=shared" {
		t.Errorf("DSN() = %q, want explicit override", got)
	}
}

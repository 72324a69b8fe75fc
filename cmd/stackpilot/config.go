package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds the tool's own settings. The stack configuration it manages
// is a separate document owned by the store.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Data     DataConfig     `mapstructure:"data"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Log      LogConfig      `mapstructure:"log"`
	Diagnose DiagnoseConfig `mapstructure:"diagnose"`
}

// StoreConfig holds configuration store settings.
type StoreConfig struct {
	// Dir is the directory holding the stack configuration document and
	// its snapshot history.
	Dir string `mapstructure:"dir"`

	// SnapshotRetention bounds the snapshot history; older snapshots are
	// pruned.
	SnapshotRetention int `mapstructure:"snapshot_retention"`
}

// DataConfig holds host artifact settings.
type DataConfig struct {
	// Dir is where compiled host artifacts live: the routing document,
	// certificates and ACME state.
	Dir string `mapstructure:"dir"`
}

// DockerConfig holds container runtime client settings.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DiagnoseConfig holds diagnostics prober settings.
type DiagnoseConfig struct {
	// Interval is the poll interval between retries of one check.
	Interval time.Duration `mapstructure:"interval"`

	// Ceiling is the overall per-check timeout; a check that has not
	// succeeded by then is reported as failed.
	Ceiling time.Duration `mapstructure:"ceiling"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".stackpilot")

	// Set defaults
	v.SetDefault("store.dir", filepath.Join(base, "config"))
	v.SetDefault("store.snapshot_retention", 20)
	v.SetDefault("data.dir", filepath.Join(base, "data"))
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("diagnose.interval", "10s")
	v.SetDefault("diagnose.ceiling", "2m")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("STACKPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

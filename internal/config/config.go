// Package config loads outpost configuration from file, environment, and
// flags, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full outpost configuration.
type Config struct {
	// StorePath is the SQLite database file location.
	StorePath string `mapstructure:"store_path"`

	// RemoteURL is the sync backend base URL. Empty disables sync.
	RemoteURL string `mapstructure:"remote_url"`

	// RemoteToken is the bearer credential for the sync backend.
	RemoteToken string `mapstructure:"remote_token"`

	// ListenAddr is the dashboard listen address. Empty disables it.
	ListenAddr string `mapstructure:"listen_addr"`

	// SpoolDir is watched for record batch files. Empty disables it.
	SpoolDir string `mapstructure:"spool_dir"`

	// SyncInterval is the period between automatic sync cycles.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// BatchSize caps outbox entries per push.
	BatchSize int `mapstructure:"batch_size"`

	// LogFile receives daemon logs with rotation. Empty logs to stderr.
	LogFile string `mapstructure:"log_file"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
}

// defaultStorePath puts the database under the user config directory.
func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "outpost.db"
	}
	return filepath.Join(dir, "outpost", "outpost.db")
}

// Load reads configuration from the given file (optional), the
// environment (OUTPOST_ prefix), and defaults.
//
// When path is empty, $XDG_CONFIG_HOME/outpost/config.yaml is tried; a
// missing config file is not an error, the defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Every key needs a default registered for environment lookups to
	// reach Unmarshal.
	v.SetDefault("store_path", defaultStorePath())
	v.SetDefault("remote_url", "")
	v.SetDefault("remote_token", "")
	v.SetDefault("listen_addr", "")
	v.SetDefault("spool_dir", "")
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("batch_size", 100)
	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("OUTPOST")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "outpost"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store_path cannot be empty")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

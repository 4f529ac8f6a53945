// Package config loads engine configuration from a YAML file and
// CHANSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CleanPolicy names when stale channels found by a reset are cleaned.
type CleanPolicy string

const (
	CleanEager    CleanPolicy = "eager"
	CleanDeferred CleanPolicy = "deferred"
)

// Config holds all engine configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds chat API connection settings
type ServerConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Token   string        `mapstructure:"token"`   // User JWT
	UserID  string        `mapstructure:"user_id"` // Current user
	Timeout time.Duration `mapstructure:"timeout"`
}

// CacheConfig locates the record store
type CacheConfig struct {
	Dir         string        `mapstructure:"dir"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// RetryConfig bounds request retries
type RetryConfig struct {
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// SyncConfig tunes channel list syncing
type SyncConfig struct {
	PageSize      int           `mapstructure:"page_size"`
	CleanPolicy   CleanPolicy   `mapstructure:"clean_policy"`
	CleanInterval time.Duration `mapstructure:"clean_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File       string `mapstructure:"file"` // Empty logs to stderr
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Dir:         defaultCachePath(),
			OpenTimeout: time.Second,
		},
		Retry: RetryConfig{
			MaxDelay:   25 * time.Second,
			MaxRetries: 3,
		},
		Sync: SyncConfig{
			PageSize:      20,
			CleanPolicy:   CleanEager,
			CleanInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			File:       defaultLogPath(),
			Level:      "INFO",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "chansync")
}

func defaultLogPath() string {
	return filepath.Join(defaultCachePath(), "chansync.log")
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "chansync")
}

// Load reads configuration. An empty path searches the user config
// directory and the working directory for config.yaml; a missing file there
// is not an error. Environment variables override file values, e.g.
// CHANSYNC_SERVER_TOKEN for server.token.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CHANSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply even when
// the file does not mention the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("server.api_key", d.Server.APIKey)
	v.SetDefault("server.token", d.Server.Token)
	v.SetDefault("server.user_id", d.Server.UserID)
	v.SetDefault("server.timeout", d.Server.Timeout)

	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.open_timeout", d.Cache.OpenTimeout)

	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)

	v.SetDefault("sync.page_size", d.Sync.PageSize)
	v.SetDefault("sync.clean_policy", string(d.Sync.CleanPolicy))
	v.SetDefault("sync.clean_interval", d.Sync.CleanInterval)

	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
}

// Validate reports the first setting that would keep the engine from
// starting.
func (c *Config) Validate() error {
	switch {
	case c.Server.URL == "":
		return errors.New("server.url is required")
	case c.Server.APIKey == "":
		return errors.New("server.api_key is required")
	case c.Cache.Dir == "":
		return errors.New("cache.dir is required")
	case c.Retry.MaxRetries < 0:
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	case c.Retry.MaxDelay <= 0:
		return fmt.Errorf("retry.max_delay must be positive, got %s", c.Retry.MaxDelay)
	case c.Sync.PageSize < 1 || c.Sync.PageSize > 30:
		return fmt.Errorf("sync.page_size must be between 1 and 30, got %d", c.Sync.PageSize)
	}

	switch c.Sync.CleanPolicy {
	case CleanEager, CleanDeferred:
	default:
		return fmt.Errorf("sync.clean_policy must be %q or %q, got %q", CleanEager, CleanDeferred, c.Sync.CleanPolicy)
	}
	return nil
}

// IsConfigured returns true if the server URL and credentials are set
func (c *Config) IsConfigured() bool {
	return c.Server.URL != "" && c.Server.APIKey != "" && c.Server.Token != ""
}

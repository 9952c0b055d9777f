// Package config handles configuration loading and validation for skyvault.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/skyvault/skyvault/pkg/bytesize"
)

// Supported catalog drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Defaults applied by Load and Default.
const (
	DefaultDataDir       = "~/.skyvault"
	DefaultRetentionDays = 30
	DefaultSessionTTL    = "24h"
	DefaultChunkSize     = bytesize.Size(4 * bytesize.MB)
	DefaultMinFree       = bytesize.Size(64 * bytesize.MB)
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // trace, debug, info, warn, error
}

// DatabaseConfig selects the catalog backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite (default) or postgres
	DSN    string `yaml:"dsn"`    // Default for sqlite: {data_dir}/catalog.db
}

// StorageConfig holds blob volume settings.
type StorageConfig struct {
	Volumes []string      `yaml:"volumes"`  // Default: [{data_dir}/volumes/default]
	TempDir string        `yaml:"temp_dir"` // Default: {data_dir}/tmp
	MinFree bytesize.Size `yaml:"min_free"` // Volume is considered full below this
}

// UploadConfig holds chunked upload settings.
type UploadConfig struct {
	ChunkSize  bytesize.Size `yaml:"chunk_size"`
	SessionTTL string        `yaml:"session_ttl"` // Duration string, e.g. "24h"
}

// TrashConfig holds trash retention settings.
type TrashConfig struct {
	RetentionDays int `yaml:"retention_days"` // Negative disables expiry
}

// QuotaConfig holds per-owner quota settings.
type QuotaConfig struct {
	DefaultTotal bytesize.Size `yaml:"default_total"` // 0 = unlimited
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the skyvault configuration file.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Upload   UploadConfig   `yaml:"upload"`
	Trash    TrashConfig    `yaml:"trash"`
	Quota    QuotaConfig    `yaml:"quota"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == DriverSQLite {
		c.Database.DSN = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Database.Driver == DriverSQLite {
		c.Database.DSN = expandHome(c.Database.DSN)
	}

	if len(c.Storage.Volumes) == 0 {
		c.Storage.Volumes = []string{filepath.Join(c.DataDir, "volumes", "default")}
	}
	for i, v := range c.Storage.Volumes {
		c.Storage.Volumes[i] = expandHome(v)
	}
	if c.Storage.TempDir == "" {
		c.Storage.TempDir = filepath.Join(c.DataDir, "tmp")
	}
	c.Storage.TempDir = expandHome(c.Storage.TempDir)
	if c.Storage.MinFree == 0 {
		c.Storage.MinFree = DefaultMinFree
	}

	if c.Upload.ChunkSize == 0 {
		c.Upload.ChunkSize = DefaultChunkSize
	}
	if c.Upload.SessionTTL == "" {
		c.Upload.SessionTTL = DefaultSessionTTL
	}

	if c.Trash.RetentionDays == 0 {
		c.Trash.RetentionDays = DefaultRetentionDays
	}
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for %s", c.Database.Driver)
	}
	for i, v := range c.Storage.Volumes {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("storage.volumes[%d] is empty", i)
		}
	}
	if c.Storage.MinFree < 0 {
		return fmt.Errorf("storage.min_free must not be negative")
	}
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive")
	}
	ttl, err := time.ParseDuration(c.Upload.SessionTTL)
	if err != nil {
		return fmt.Errorf("invalid upload.session_ttl: %w", err)
	}
	if ttl <= 0 {
		return fmt.Errorf("upload.session_ttl must be positive")
	}
	if c.Quota.DefaultTotal < 0 {
		return fmt.Errorf("quota.default_total must not be negative")
	}
	return nil
}

// SessionTTL returns the parsed stale-session age, or the default when
// the configured value does not parse.
func (c *Config) SessionTTL() time.Duration {
	if d, err := time.ParseDuration(c.Upload.SessionTTL); err == nil {
		return d
	}
	d, _ := time.ParseDuration(DefaultSessionTTL)
	return d
}

// RetentionDays returns the trash retention in days; 0 means trashed
// nodes never expire.
func (c *Config) RetentionDays() int {
	if c.Trash.RetentionDays < 0 {
		return 0
	}
	return c.Trash.RetentionDays
}

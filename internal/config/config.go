// Package config provides configuration loading for gitprofile.
//
// Configuration is read from a YAML file and overridden by GITPROFILE_*
// environment variables. Missing values fall back to defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the complete gitprofile configuration.
type Config struct {
	Store      StoreConfig      `koanf:"store"`
	Resolve    ResolveConfig    `koanf:"resolve"`
	Detection  DetectionConfig  `koanf:"detection"`
	Validation ValidationConfig `koanf:"validation"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// StoreConfig holds fragment storage configuration.
type StoreConfig struct {
	Dir      string `koanf:"dir"`
	Format   string `koanf:"format"`    // toml, yaml or json for new fragments
	TrashDir string `koanf:"trash_dir"` // default: <dir>/.trash
}

// ResolveConfig holds inheritance resolution configuration.
type ResolveConfig struct {
	MaxDepth int `koanf:"max_depth"`
}

// DetectionConfig holds auto-detection cache configuration.
type DetectionConfig struct {
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	CacheMaxEntries int           `koanf:"cache_max_entries"`
	CacheFile       string        `koanf:"cache_file"` // empty disables persistence
}

// ValidationConfig controls external checks run by the validator.
type ValidationConfig struct {
	CheckFiles   bool          `koanf:"check_files"`
	CheckTimeout time.Duration `koanf:"check_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - the store directory is empty
//   - the store format is not toml, yaml or json
//   - max depth, cache size or any duration is not positive
//   - the log level or log format is unknown
func (c *Config) Validate() error {
	if c.Store.Dir == "" {
		return errors.New("store directory is required")
	}
	switch strings.ToLower(c.Store.Format) {
	case "toml", "yaml", "yml", "json":
	default:
		return fmt.Errorf("invalid store format: %q (must be toml, yaml or json)", c.Store.Format)
	}

	if c.Resolve.MaxDepth < 1 {
		return fmt.Errorf("invalid resolve max depth: %d (must be positive)", c.Resolve.MaxDepth)
	}

	if c.Detection.CacheTTL <= 0 {
		return errors.New("detection cache ttl must be positive")
	}
	if c.Detection.CacheMaxEntries < 1 {
		return fmt.Errorf("invalid detection cache size: %d (must be positive)", c.Detection.CacheMaxEntries)
	}

	if c.Validation.CheckTimeout <= 0 {
		return errors.New("validation check timeout must be positive")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("log format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields and
// expands a leading ~ in paths.
func applyDefaults(cfg *Config) {
	home, _ := os.UserHomeDir()

	// Store defaults
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = filepath.Join(home, ".config", "gitprofile", "profiles")
	}
	if cfg.Store.Format == "" {
		cfg.Store.Format = "toml"
	}

	// Resolve defaults
	if cfg.Resolve.MaxDepth == 0 {
		cfg.Resolve.MaxDepth = 5
	}

	// Detection defaults
	if cfg.Detection.CacheTTL == 0 {
		cfg.Detection.CacheTTL = 5 * time.Minute
	}
	if cfg.Detection.CacheMaxEntries == 0 {
		cfg.Detection.CacheMaxEntries = 1000
	}

	// Validation defaults
	if cfg.Validation.CheckTimeout == 0 {
		cfg.Validation.CheckTimeout = 50 * time.Millisecond
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	cfg.Store.Dir = expandHome(cfg.Store.Dir, home)
	cfg.Store.TrashDir = expandHome(cfg.Store.TrashDir, home)
	cfg.Detection.CacheFile = expandHome(cfg.Detection.CacheFile, home)
}

func expandHome(p, home string) string {
	if home == "" {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

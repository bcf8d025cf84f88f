package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GITPROFILE_"
)

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (GITPROFILE_STORE_DIR, GITPROFILE_DETECTION_CACHE_TTL, etc.)
//  2. YAML config file (~/.config/gitprofile/config.yaml)
//  3. Hardcoded defaults
//
// A missing file is not an error. An existing file must be owner-only
// (0600 or 0400), at most 1MB, and live under ~/.config/gitprofile/ or
// /etc/gitprofile/.
//
// Environment variables are mapped by splitting on the first underscore
// after the prefix:
//
//	GITPROFILE_STORE_DIR -> store.dir
//	GITPROFILE_DETECTION_CACHE_MAX_ENTRIES -> detection.cache_max_entries
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		var err error
		if configPath, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Validate through the opened descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps GITPROFILE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so they cannot escape the allowed directories. Paths
	// that do not exist yet are checked as given.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "gitprofile"),
		"/etc/gitprofile",
	}
	if resolvedHome, err := filepath.EvalSymlinks(home); err == nil && resolvedHome != home {
		allowedDirs = append(allowedDirs, filepath.Join(resolvedHome, ".config", "gitprofile"))
	}

	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/gitprofile/ or /etc/gitprofile/")
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// DefaultPath returns ~/.config/gitprofile/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "gitprofile", "config.yaml"), nil
}

// EnsureConfigDir creates the gitprofile config directory with 0700
// permissions if it doesn't exist.
func EnsureConfigDir() error {
	path, err := DefaultPath()
	if err != nil {
		return err
	}
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// WriteDefault writes a commented configuration file holding the defaults
// to the default path with 0600 permissions. An existing file is kept
// unless overwrite is set. It returns the path written.
func WriteDefault(overwrite bool) (string, error) {
	if err := EnsureConfigDir(); err != nil {
		return "", err
	}
	path, err := DefaultPath()
	if err != nil {
		return "", err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := io.WriteString(f, defaultFile); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	// O_TRUNC keeps the old mode.
	if err := os.Chmod(path, 0600); err != nil {
		return "", fmt.Errorf("failed to set config file permissions: %w", err)
	}
	return path, nil
}

const defaultFile = `# gitprofile configuration. Every key can be overridden with an environment
# variable, e.g. GITPROFILE_STORE_DIR or GITPROFILE_LOGGING_LEVEL.

store:
  dir: ~/.config/gitprofile/profiles
  format: toml            # toml, yaml or json for new profiles
  # trash_dir: ~/.config/gitprofile/profiles/.trash

resolve:
  max_depth: 5

detection:
  cache_ttl: 5m
  cache_max_entries: 1000
  # cache_file: ~/.cache/gitprofile/detect.json

validation:
  check_files: false
  check_timeout: 50ms

logging:
  level: warn             # trace, debug, info, warn, error
  format: console         # console or json
`

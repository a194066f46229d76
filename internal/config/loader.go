// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hookguard/hookguard/internal/constants"
)

// Loader handles loading and saving configuration files.
type Loader struct {
	path string
}

// NewLoader creates a new config loader. The file is resolved in this order:
//  1. explicit, when non-empty (the --config flag).
//  2. HOOKGUARD_CONFIG environment variable.
//  3. ~/.hookguard/config.yaml.
//  4. /data/local/tmp/.hookguard/config.yaml, for processes without a home
//     directory.
func NewLoader(explicit string) *Loader {
	if explicit != "" {
		return &Loader{path: explicit}
	}
	if p := os.Getenv(constants.ConfigEnv); p != "" {
		return &Loader{path: p}
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" || home == "/" {
		home = constants.FallbackHome
	}
	return &Loader{path: filepath.Join(home, constants.DefaultDir, constants.ConfigFile)}
}

// Path returns the config file path.
func (l *Loader) Path() string { return l.path }

// Load reads the config file, or the defaults when it does not exist, then
// applies environment overrides and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	//nolint:gosec // G304: Path is chosen by the operator.
	data, err := os.ReadFile(l.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", l.path, err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", l.path, err)
	}
	return cfg, nil
}

// Save writes cfg to the config file.
func (l *Loader) Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid config: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	//nolint:gosec // G301: Directory needs standard permissions for traversal
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

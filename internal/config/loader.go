package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".botfactory"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file. BOTFACTORY_CONFIG
// overrides the location; ~ expands against the botfactory home.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("BOTFACTORY_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("BOTFACTORY_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// ResolvePath expands a leading ~ against the botfactory home.
func ResolvePath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := resolveHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(p[1:], "/")), nil
	}
	return p, nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	// If the file doesn't exist, continue with defaults.

	// Override with environment variables for each group.
	envconfig.Process("BOTFACTORY_PATHS", &cfg.Paths)
	envconfig.Process("BOTFACTORY_FACTORY", &cfg.Factory)
	envconfig.Process("BOTFACTORY_GOVERNANCE", &cfg.Governance)
	envconfig.Process("BOTFACTORY_ANALYSIS", &cfg.Analysis)
	envconfig.Process("BOTFACTORY_FEDERATION", &cfg.Federation)
	envconfig.Process("BOTFACTORY_NOTIFY", &cfg.Notify)

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resolved, err := ResolvePath(cfg.Paths.DataDir)
	if err == nil {
		cfg.Paths.DataDir = resolved
	}
	return cfg, nil
}

// Save writes the configuration to the config file, creating the config
// directory if needed.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

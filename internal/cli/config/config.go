// Package config loads the harness settings from file, environment and
// flags. Precedence (highest to lowest): flags > env vars > config file >
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Defaults.
const (
	DefaultConfigsDir  = "configs"
	DefaultHistoryPath = ".gibbon/history.db"
	DefaultPort        = 8080
)

// maxUpwardSearchLevels limits how far up the directory tree to search for
// a gibbon.yaml.
const maxUpwardSearchLevels = 10

// Config is the harness settings.
type Config struct {
	ConfigsDir    string `koanf:"configs_dir"`
	HistoryPath   string `koanf:"history_path"`
	Port          int    `koanf:"port"`
	MaxConcurrent int    `koanf:"max_concurrent"`
	Verbose       bool   `koanf:"verbose"`
}

var configFileUsed string

// GetConfigFileUsed returns the config file the last Load read, if any.
func GetConfigFileUsed() string { return configFileUsed }

// Load loads configuration. cfgFile may be empty, in which case gibbon.yaml
// is searched upward from the working directory.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"configs_dir":    DefaultConfigsDir,
		"history_path":   DefaultHistoryPath,
		"port":           DefaultPort,
		"max_concurrent": 0,
		"verbose":        false,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	configFileUsed = findConfigFile(cfgFile)
	if configFileUsed != "" {
		if err := k.Load(file.Provider(configFileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFileUsed, err)
		}
	}

	// 3. Environment (GIBBON_ prefix): GIBBON_CONFIGS_DIR -> configs_dir
	if err := k.Load(env.Provider("GIBBON_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "GIBBON_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags, only those explicitly set
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Paths in the file are relative to the file's directory.
	if configFileUsed != "" {
		base := filepath.Dir(configFileUsed)
		cfg.ConfigsDir = resolvePathRelativeTo(cfg.ConfigsDir, base)
		cfg.HistoryPath = resolvePathRelativeTo(cfg.HistoryPath, base)
	}
	return &cfg, nil
}

// findConfigFile finds the config file to use.
// Priority: explicit path > gibbon.yaml / gibbon.yml upward from CWD.
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i < maxUpwardSearchLevels; i++ {
		for _, name := range []string{"gibbon.yaml", "gibbon.yml"} {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

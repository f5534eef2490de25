package connector

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Load reads a test config from a YAML file. `${VAR}` references are
// substituted from the environment before parsing so credentials never
// live in the file; unresolved references are left as-is.
func Load(path string) (*TestConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return "${" + key + "}"
	})

	k := koanf.New(".")

	// Defaults first, then the file over them.
	if err := k.Load(confmap.Provider(map[string]any{
		"deletion.verify_partial_deletion":   true,
		"deletion.verify_remaining_entities": true,
		"deletion.verify_complete_deletion":  true,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider([]byte(expanded)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	var cfg TestConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}

	if cfg.Name == "" {
		return nil, fmt.Errorf("config %s: missing required field: name", path)
	}
	if cfg.Connector.Type == "" {
		return nil, fmt.Errorf("config %s: missing required field: connector.type", path)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Package config loads the service configuration.
//
// Sources are layered with increasing priority:
//
//  1. Defaults: domain.DefaultConfig, or domain.ProConfig for the pro tier
//  2. Config file: optional YAML file
//  3. Environment: PRICEWISE_* variables, "__" separating nesting levels
//
// PRICEWISE_CACHE__REDIS_ADDR therefore sets cache.redis_addr.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/pricewise/internal/domain"
)

const (
	// EnvPrefix is stripped from every environment variable considered.
	EnvPrefix = "PRICEWISE_"

	// PathEnvVar names the config file when Load is given no path.
	PathEnvVar = "PRICEWISE_CONFIG"
)

// sliceKeys are parsed from comma-separated strings when set via env.
var sliceKeys = []string{
	"ingest.tenants",
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and the environment, then validates it.
func Load(path string) (*domain.Config, error) {
	if path == "" {
		path = os.Getenv(PathEnvVar)
	}

	// Overrides are loaded first on their own so the tier they select can
	// pick the defaults underneath them.
	overrides := koanf.New(".")
	if path != "" {
		if err := overrides.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := overrides.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	defaults := domain.DefaultConfig()
	if domain.Tier(overrides.String("tier")) == domain.TierPro {
		defaults = domain.ProConfig()
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := k.Merge(overrides); err != nil {
		return nil, fmt.Errorf("failed to merge overrides: %w", err)
	}
	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &domain.Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps PRICEWISE_CACHE__REDIS_ADDR to cache.redis_addr. Variables
// that do not name a config key (such as PRICEWISE_CONFIG) map to "".
func envKey(key string) string {
	if key == PathEnvVar {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func splitSlices(k *koanf.Koanf) error {
	for _, path := range sliceKeys {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

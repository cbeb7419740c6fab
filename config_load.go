package freshcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a config file from the given path and applies
// defaults. Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ValidateConfig validates a Config for correctness. Zero values that
// ApplyDefaults would fill are accepted.
func ValidateConfig(cfg Config) error {
	cfg.Families = append([]FamilyConfig(nil), cfg.Families...)
	ApplyDefaults(&cfg)

	switch cfg.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("postgres storage requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", cfg.Storage.Driver)
	}

	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return fmt.Errorf("backend base_url is required")
	}
	if cfg.Backend.Timeout < 0 {
		return fmt.Errorf("backend timeout must not be negative")
	}
	if cfg.Backend.PageSize < 0 {
		return fmt.Errorf("backend page_size must not be negative")
	}

	if err := validateFamily("defaults", cfg.Defaults); err != nil {
		return err
	}
	seen := make(map[string]bool, len(cfg.Families))
	for i, f := range cfg.Families {
		if strings.TrimSpace(f.Prefix) == "" {
			return fmt.Errorf("family %d: prefix is required", i)
		}
		if seen[f.Prefix] {
			return fmt.Errorf("family %q is defined more than once", f.Prefix)
		}
		seen[f.Prefix] = true
		if err := validateFamily(fmt.Sprintf("family %q", f.Prefix), f); err != nil {
			return err
		}
	}

	if cfg.Server.InvalidateRate < 0 || cfg.Server.InvalidateBurst < 0 {
		return fmt.Errorf("server invalidate_rate and invalidate_burst must not be negative")
	}
	if cfg.Recent.MaxItems < 0 {
		return fmt.Errorf("recent max_items must not be negative")
	}
	return nil
}

func validateFamily(name string, f FamilyConfig) error {
	if f.TTL <= 0 {
		return fmt.Errorf("%s: ttl must be positive", name)
	}
	if f.StaleAfter < 0 {
		return fmt.Errorf("%s: stale_after must not be negative", name)
	}
	if f.StaleAfter > f.TTL {
		return fmt.Errorf("%s: stale_after (%s) must not exceed ttl (%s)", name, f.StaleAfter, f.TTL)
	}
	if f.MaxEntries < 1 {
		return fmt.Errorf("%s: max_entries must be at least 1", name)
	}
	return nil
}

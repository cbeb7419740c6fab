package freshcache

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/studentstore/freshcache/internal/cache"
	"github.com/studentstore/freshcache/internal/keys"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for a Loader and the binaries built on it.
type Config struct {
	// Storage selects the durable key/value backend.
	Storage StorageConfig `json:"storage" yaml:"storage"`
	// Backend points at the StudentStore REST API.
	Backend BackendConfig `json:"backend" yaml:"backend"`
	// Defaults apply to keys no family matches.
	Defaults FamilyConfig `json:"defaults" yaml:"defaults"`
	// Families override Defaults per key prefix (longest prefix wins).
	Families []FamilyConfig `json:"families,omitempty" yaml:"families,omitempty"`
	// Recent configures the recently-viewed product lists.
	Recent RecentConfig `json:"recent" yaml:"recent"`
	// Server configures the edge server (cmd/freshcached).
	Server ServerConfig `json:"server" yaml:"server"`
}

// StorageDriver names a storage backend.
type StorageDriver string

// StorageDriver constants define the supported backends.
const (
	DriverMemory   StorageDriver = "memory"
	DriverSQLite   StorageDriver = "sqlite"
	DriverPostgres StorageDriver = "postgres"
)

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Driver StorageDriver `json:"driver" yaml:"driver"`
	DSN    string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	// Origin scopes keys when several storefronts share one database.
	Origin string `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// BackendConfig configures the REST client.
type BackendConfig struct {
	BaseURL string   `json:"base_url" yaml:"base_url"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Token   string   `json:"token,omitempty" yaml:"token,omitempty"`
	// PageSize is sent as the limit parameter of list endpoints.
	PageSize int `json:"page_size,omitempty" yaml:"page_size,omitempty"`
}

// FamilyConfig holds the freshness settings of one resource family.
type FamilyConfig struct {
	Prefix      string   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	TTL         Duration `json:"ttl" yaml:"ttl"`
	StaleAfter  Duration `json:"stale_after" yaml:"stale_after"`
	MaxEntries  int      `json:"max_entries" yaml:"max_entries"`
	PerInstance bool     `json:"per_instance,omitempty" yaml:"per_instance,omitempty"`
}

// RecentConfig configures recently-viewed lists.
type RecentConfig struct {
	MaxItems int `json:"max_items" yaml:"max_items"`
}

// ServerConfig configures the edge server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	// InvalidateRate and InvalidateBurst bound change events accepted per
	// client on /admin/invalidate.
	InvalidateRate  float64 `json:"invalidate_rate,omitempty" yaml:"invalidate_rate,omitempty"`
	InvalidateBurst float64 `json:"invalidate_burst,omitempty" yaml:"invalidate_burst,omitempty"`
}

// Default values applied by ApplyDefaults.
const (
	DefaultTTL             = 5 * time.Minute
	DefaultStaleAfter      = time.Minute
	DefaultMaxEntries      = 50
	DefaultRecentMaxItems  = 10
	DefaultBackendTimeout  = 10 * time.Second
	DefaultPageSize        = 12
	DefaultOrigin          = "studentstore"
	DefaultAddr            = ":8080"
	DefaultInvalidateRate  = 5
	DefaultInvalidateBurst = 10
)

// DefaultConfig returns the settings the storefront pages shipped with:
// category listings live three minutes, product details five.
func DefaultConfig() Config {
	cfg := Config{
		Storage: StorageConfig{Driver: DriverMemory},
		Backend: BackendConfig{BaseURL: "http://localhost:3000/api"},
		Families: []FamilyConfig{
			{Prefix: "category_", TTL: Duration(3 * time.Minute), StaleAfter: Duration(time.Minute), MaxEntries: 20, PerInstance: true},
			{Prefix: "product_", TTL: Duration(5 * time.Minute), StaleAfter: Duration(2 * time.Minute), MaxEntries: 50},
			{Prefix: "reviews_", TTL: Duration(2 * time.Minute), StaleAfter: Duration(30 * time.Second), MaxEntries: 10, PerInstance: true},
		},
	}
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Storage.Origin == "" {
		cfg.Storage.Origin = DefaultOrigin
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = Duration(DefaultBackendTimeout)
	}
	if cfg.Backend.PageSize == 0 {
		cfg.Backend.PageSize = DefaultPageSize
	}
	if cfg.Defaults.TTL == 0 {
		cfg.Defaults.TTL = Duration(DefaultTTL)
		if cfg.Defaults.StaleAfter == 0 {
			cfg.Defaults.StaleAfter = Duration(DefaultStaleAfter)
		}
	}
	if cfg.Defaults.MaxEntries == 0 {
		cfg.Defaults.MaxEntries = DefaultMaxEntries
	}
	for i := range cfg.Families {
		f := &cfg.Families[i]
		if f.TTL == 0 {
			f.TTL = cfg.Defaults.TTL
		}
		if f.MaxEntries == 0 {
			f.MaxEntries = cfg.Defaults.MaxEntries
		}
	}
	if cfg.Recent.MaxItems == 0 {
		cfg.Recent.MaxItems = DefaultRecentMaxItems
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Server.InvalidateRate == 0 {
		cfg.Server.InvalidateRate = DefaultInvalidateRate
	}
	if cfg.Server.InvalidateBurst == 0 {
		cfg.Server.InvalidateBurst = DefaultInvalidateBurst
	}
}

func (f FamilyConfig) cacheFamily() cache.Family {
	return cache.Family{
		Prefix:      f.Prefix,
		TTL:         f.TTL.Std(),
		StaleAfter:  f.StaleAfter.Std(),
		MaxEntries:  f.MaxEntries,
		PerInstance: f.PerInstance,
	}
}

// cacheOptions keeps recently-viewed lists, which share the store, out of
// the cache's reach.
func (cfg Config) cacheOptions(now func() time.Time) cache.Options {
	families := make([]cache.Family, 0, len(cfg.Families))
	for _, f := range cfg.Families {
		families = append(families, f.cacheFamily())
	}
	return cache.Options{
		Default:  cfg.Defaults.cacheFamily(),
		Families: families,
		Now:      now,
		Exclude:  []string{keys.Prefix(keys.KindRecent)},
	}
}

// Duration is a time.Duration that reads Go duration strings ("90s") or
// plain integers, taken as milliseconds, from JSON and YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "5m" or 300000.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string or integer milliseconds: %s", b)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts "5m" or 300000.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if value.Tag == "!!int" {
		ms, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	if err := d.parse(value.Value); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

package cache

import (
	"strings"
	"time"
)

// Fallbacks for zero-valued Family fields.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 50
)

// Family holds the freshness settings of one resource family.
type Family struct {
	// Prefix selects the keys the settings apply to.
	Prefix string
	// TTL is the hard age limit; older entries are treated as absent.
	TTL time.Duration
	// StaleAfter is the soft age limit past which a hit is reported stale.
	// Zero disables staleness.
	StaleAfter time.Duration
	// MaxEntries bounds the number of entries in one eviction group.
	MaxEntries int
	// PerInstance bounds each resource instance ("category_5_") separately
	// instead of the whole prefix.
	PerInstance bool
}

func (f Family) withDefaults() Family {
	if f.TTL <= 0 {
		f.TTL = DefaultTTL
	}
	if f.StaleAfter < 0 {
		f.StaleAfter = 0
	}
	if f.MaxEntries <= 0 {
		f.MaxEntries = DefaultMaxEntries
	}
	return f
}

// group returns the key prefix whose members share the MaxEntries bound.
func (f Family) group(key string) string {
	if !f.PerInstance && f.Prefix != "" {
		return f.Prefix
	}
	inst := InstancePrefix(key)
	if len(inst) < len(f.Prefix) {
		return f.Prefix
	}
	return inst
}

func (f Family) label() string {
	if f.Prefix == "" {
		return "default"
	}
	return f.Prefix
}

// InstancePrefix returns the first two underscore-separated segments of key
// including the trailing separator: "category_5_p1_newest" → "category_5_".
func InstancePrefix(key string) string {
	parts := strings.SplitN(key, "_", 3)
	switch len(parts) {
	case 3:
		return parts[0] + "_" + parts[1] + "_"
	case 2:
		return parts[0] + "_"
	default:
		return key
	}
}

// Package cache implements the freshness cache: JSON payloads persisted
// through a storage.Store, tagged with their write time, served until a
// per-family TTL, and bounded per family by evicting the oldest writes.
//
// The cache is an optimization only. Storage failures and corrupt entries are
// logged and reported as misses; no method returns an error.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/studentstore/freshcache/internal/logging"
	"github.com/studentstore/freshcache/internal/metrics"
	"github.com/studentstore/freshcache/storage"
)

// Options configures a Cache.
type Options struct {
	// Default applies to keys that match no configured family. Its Prefix
	// is ignored.
	Default Family
	// Families holds per-resource overrides matched by longest prefix.
	Families []Family
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Exclude lists key prefixes whose keys belong to other data kept in
	// the same store. The cache never reads, writes, lists or deletes them.
	Exclude []string
}

// Cache is safe for concurrent use. Each operation holds the cache lock for
// one whole entry read or write plus the eviction scan that follows a write.
type Cache struct {
	mu       sync.Mutex
	store    storage.Store
	defaults Family
	families []Family
	exclude  []string
	now      func() time.Time
}

// Lookup is the result of a successful read.
type Lookup struct {
	Payload json.RawMessage
	Age     time.Duration
	// Stale is set once Age reaches the family's StaleAfter threshold.
	Stale bool
}

// Info describes a stored entry without its payload.
type Info struct {
	Key      string
	Family   string
	StoredAt time.Time
	Age      time.Duration
	Size     int
}

// New creates a cache over store.
func New(store storage.Store, opts Options) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	families := make([]Family, len(opts.Families))
	copy(families, opts.Families)
	// Longest prefix first so resolve can stop at the first match.
	sort.SliceStable(families, func(i, j int) bool {
		return len(families[i].Prefix) > len(families[j].Prefix)
	})
	defaults := opts.Default
	defaults.Prefix = ""
	defaults.PerInstance = true
	return &Cache{
		store:    store,
		defaults: defaults.withDefaults(),
		families: families,
		exclude:  append([]string(nil), opts.Exclude...),
		now:      now,
	}
}

// Get returns the payload stored under key, or false when the entry is
// missing, expired, or unreadable. Expired and unreadable entries are
// deleted.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	l, ok := c.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	return l.Payload, true
}

// Lookup is Get with the entry's age and staleness.
func (c *Cache) Lookup(ctx context.Context, key string) (Lookup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owns(key) {
		return Lookup{}, false
	}
	fam := c.resolve(key)
	e, ok := c.read(ctx, key)
	if !ok {
		return Lookup{}, false
	}

	age := e.age(c.now())
	if age >= fam.TTL {
		c.remove(ctx, key)
		metrics.Lookups.WithLabelValues(fam.label(), metrics.OutcomeExpired).Inc()
		return Lookup{}, false
	}

	stale := fam.StaleAfter > 0 && age >= fam.StaleAfter
	outcome := metrics.OutcomeHit
	if stale {
		outcome = metrics.OutcomeStale
	}
	metrics.Lookups.WithLabelValues(fam.label(), outcome).Inc()
	return Lookup{Payload: e.Payload, Age: age, Stale: stale}, true
}

// PeekAge reports how old the entry at key is without deleting it, even if
// it is past its TTL.
func (c *Cache) PeekAge(ctx context.Context, key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owns(key) {
		return 0, false
	}
	raw, err := c.store.Read(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.storageError(ctx, "read", key, err)
		}
		return 0, false
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return 0, false
	}
	return e.age(c.now()), true
}

// Set stores payload under key with the current time, replacing any prior
// entry, then trims the key's family to its MaxEntries bound.
func (c *Cache) Set(ctx context.Context, key string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owns(key) {
		return
	}
	raw, err := encodeEntry(c.now(), payload)
	if err != nil {
		c.storageError(ctx, "encode", key, err)
		return
	}
	if err := c.store.Write(ctx, key, raw); err != nil {
		c.storageError(ctx, "write", key, err)
		return
	}

	fam := c.resolve(key)
	c.evict(ctx, fam, fam.group(key), key)
}

// InvalidateFamily deletes every entry whose key starts with prefix and
// returns the deleted keys.
func (c *Cache) InvalidateFamily(ctx context.Context, prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.store.Keys(ctx)
	if err != nil {
		c.storageError(ctx, "keys", prefix, err)
		return nil
	}

	removed := make([]string, 0)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) || !c.owns(k) {
			continue
		}
		if err := c.store.Delete(ctx, k); err != nil {
			c.storageError(ctx, "delete", k, err)
			continue
		}
		removed = append(removed, k)
	}
	sort.Strings(removed)

	if len(removed) > 0 {
		metrics.Invalidations.WithLabelValues(c.resolve(prefix).label()).Add(float64(len(removed)))
		logging.Logger.Debug("cache family invalidated", "prefix", prefix, "removed", len(removed))
	}
	return removed
}

// Entries lists readable entries whose key starts with prefix, sorted by
// key. Unreadable entries are skipped, not deleted.
func (c *Cache) Entries(ctx context.Context, prefix string) []Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.store.Keys(ctx)
	if err != nil {
		c.storageError(ctx, "keys", prefix, err)
		return nil
	}
	now := c.now()
	out := make([]Info, 0)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) || !c.owns(k) {
			continue
		}
		raw, err := c.store.Read(ctx, k)
		if err != nil {
			continue
		}
		e, err := decodeEntry(raw)
		if err != nil {
			continue
		}
		fam := c.resolve(k)
		out = append(out, Info{
			Key:      k,
			Family:   fam.group(k),
			StoredAt: time.UnixMilli(e.StoredAt),
			Age:      e.age(now),
			Size:     len(e.Payload),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// FamilyOf returns the settings that apply to key.
func (c *Cache) FamilyOf(key string) Family {
	return c.resolve(key)
}

// read loads and decodes one entry. Corrupt entries are removed.
func (c *Cache) read(ctx context.Context, key string) (entry, bool) {
	fam := c.resolve(key)
	raw, err := c.store.Read(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.storageError(ctx, "read", key, err)
		}
		metrics.Lookups.WithLabelValues(fam.label(), metrics.OutcomeMiss).Inc()
		return entry{}, false
	}

	e, err := decodeEntry(raw)
	if err != nil {
		logging.FromContext(ctx).Warn("discarding corrupt cache entry", "key", key, "error", err)
		c.remove(ctx, key)
		metrics.Lookups.WithLabelValues(fam.label(), metrics.OutcomeCorrupt).Inc()
		return entry{}, false
	}
	return e, true
}

// evict deletes the oldest entries of group until at most fam.MaxEntries
// remain. The key just written is never a candidate.
func (c *Cache) evict(ctx context.Context, fam Family, group, written string) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		c.storageError(ctx, "keys", group, err)
		return
	}

	type candidate struct {
		key      string
		storedAt int64
	}
	members := 1
	candidates := make([]candidate, 0)
	for _, k := range keys {
		if k == written || !strings.HasPrefix(k, group) || !c.owns(k) {
			continue
		}
		raw, err := c.store.Read(ctx, k)
		if err != nil {
			continue
		}
		e, err := decodeEntry(raw)
		if err != nil {
			// Corrupt members are dropped outright and do not count.
			c.remove(ctx, k)
			continue
		}
		members++
		candidates = append(candidates, candidate{key: k, storedAt: e.StoredAt})
	}

	excess := members - fam.MaxEntries
	if excess <= 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].storedAt != candidates[j].storedAt {
			return candidates[i].storedAt < candidates[j].storedAt
		}
		return candidates[i].key < candidates[j].key
	})
	for _, cand := range candidates[:excess] {
		if err := c.store.Delete(ctx, cand.key); err != nil {
			c.storageError(ctx, "delete", cand.key, err)
			continue
		}
		metrics.Evictions.WithLabelValues(fam.label()).Inc()
	}
}

func (c *Cache) remove(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.storageError(ctx, "delete", key, err)
	}
}

func (c *Cache) owns(key string) bool {
	for _, p := range c.exclude {
		if strings.HasPrefix(key, p) {
			return false
		}
	}
	return true
}

func (c *Cache) resolve(key string) Family {
	for _, f := range c.families {
		if strings.HasPrefix(key, f.Prefix) {
			return f.withDefaults()
		}
	}
	return c.defaults
}

func (c *Cache) storageError(ctx context.Context, op, key string, err error) {
	metrics.StorageErrors.WithLabelValues(op).Inc()
	logging.FromContext(ctx).Warn("cache storage error", "op", op, "key", key, "error", err)
}

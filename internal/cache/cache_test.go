package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/studentstore/freshcache/storage"
)

// base is an arbitrary non-zero epoch; storedAt of zero is malformed.
var base = time.UnixMilli(1_700_000_000_000)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: base} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// At moves the clock to base+ms.
func (f *fakeClock) At(ms int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = base.Add(time.Duration(ms) * time.Millisecond)
}

// failingStore wraps a Memory store and fails selected operations.
type failingStore struct {
	*storage.Memory
	failWrite bool
	failRead  bool
	failKeys  bool
}

func (f *failingStore) Write(ctx context.Context, key, value string) error {
	if f.failWrite {
		return storage.ErrQuotaExceeded
	}
	return f.Memory.Write(ctx, key, value)
}

func (f *failingStore) Read(ctx context.Context, key string) (string, error) {
	if f.failRead {
		return "", errors.New("disk on fire")
	}
	return f.Memory.Read(ctx, key)
}

func (f *failingStore) Keys(ctx context.Context) ([]string, error) {
	if f.failKeys {
		return nil, errors.New("enumeration failed")
	}
	return f.Memory.Keys(ctx)
}

func newTestCache(store storage.Store, clock *fakeClock, families ...Family) *Cache {
	return New(store, Options{
		Default:  Family{TTL: time.Minute, StaleAfter: 30 * time.Second, MaxEntries: 10},
		Families: families,
		Now:      clock.Now,
	})
}

func payload(s string) json.RawMessage { return json.RawMessage(s) }

func TestCache_SetAndGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(storage.NewMemory(), newFakeClock())

	c.Set(ctx, "product_1_detail", payload(`{"id":1,"name":"Lamp"}`))
	got, ok := c.Get(ctx, "product_1_detail")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got) != `{"id":1,"name":"Lamp"}` {
		t.Errorf("unexpected payload %s", got)
	}
}

func TestCache_Miss(t *testing.T) {
	c := newTestCache(storage.NewMemory(), newFakeClock())
	if _, ok := c.Get(context.Background(), "missing"); ok {
		t.Error("expected cache miss")
	}
}

func TestCache_ExpiredEntryIsRemoved(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	clock := newFakeClock()
	c := newTestCache(store, clock)

	c.Set(ctx, "product_1_detail", payload(`{}`))
	clock.At(time.Minute.Milliseconds() + 1)

	if _, ok := c.Get(ctx, "product_1_detail"); ok {
		t.Fatal("expected miss after TTL")
	}
	if _, err := store.Read(ctx, "product_1_detail"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expired entry to be deleted, got %v", err)
	}
}

func TestCache_AgeEqualToTTLIsExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(storage.NewMemory(), clock)

	c.Set(ctx, "k_1_x", payload(`1`))
	clock.At(time.Minute.Milliseconds())
	if _, ok := c.Get(ctx, "k_1_x"); ok {
		t.Error("expected entry aged exactly TTL to be absent")
	}
}

func TestCache_CategoryScenario(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(storage.NewMemory(), clock, Family{
		Prefix:      "category_",
		TTL:         180000 * time.Millisecond,
		StaleAfter:  30 * time.Second,
		MaxEntries:  20,
		PerInstance: true,
	})

	c.Set(ctx, "category_5_p1_newest", payload(`{"products":[]}`))

	clock.At(60000)
	got, ok := c.Get(ctx, "category_5_p1_newest")
	if !ok || string(got) != `{"products":[]}` {
		t.Fatalf("expected cached payload at t=60000, got %s ok=%v", got, ok)
	}
	age, ok := c.PeekAge(ctx, "category_5_p1_newest")
	if !ok || age != 60000*time.Millisecond {
		t.Fatalf("expected peekAge 60000ms, got %v ok=%v", age, ok)
	}

	clock.At(181000)
	if _, ok := c.Get(ctx, "category_5_p1_newest"); ok {
		t.Fatal("expected absent at t=181000")
	}
}

func TestCache_EvictsOldestWrite(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	clock := newFakeClock()
	c := newTestCache(store, clock, Family{Prefix: "category_5_", TTL: time.Hour, MaxEntries: 2})

	clock.At(0)
	c.Set(ctx, "category_5_p1_newest", payload(`"A"`))
	clock.At(10)
	c.Set(ctx, "category_5_p2_newest", payload(`"B"`))
	clock.At(20)
	c.Set(ctx, "category_5_p3_newest", payload(`"C"`))

	if _, ok := c.Get(ctx, "category_5_p1_newest"); ok {
		t.Error("expected A to be evicted")
	}
	if _, ok := c.Get(ctx, "category_5_p2_newest"); !ok {
		t.Error("expected B to remain")
	}
	if _, ok := c.Get(ctx, "category_5_p3_newest"); !ok {
		t.Error("expected C to remain")
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 stored entries, got %d", store.Len())
	}
}

func TestCache_EvictionIsWriteOrderNotAccessOrder(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(storage.NewMemory(), clock, Family{Prefix: "category_5_", TTL: time.Hour, MaxEntries: 2})

	c.Set(ctx, "category_5_p1_a", payload(`1`))
	clock.At(10)
	c.Set(ctx, "category_5_p2_a", payload(`2`))
	clock.At(15)
	c.Get(ctx, "category_5_p1_a") // reading does not refresh storedAt
	clock.At(20)
	c.Set(ctx, "category_5_p3_a", payload(`3`))

	if _, ok := c.Get(ctx, "category_5_p1_a"); ok {
		t.Error("expected least-recently-written entry to be evicted despite recent read")
	}
}

func TestCache_EvictionBoundKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	clock := newFakeClock()
	const maxEntries = 5
	c := newTestCache(store, clock, Family{Prefix: "category_", TTL: time.Hour, MaxEntries: maxEntries, PerInstance: true})

	for i := 0; i <= maxEntries; i++ {
		clock.At(int64(i * 100))
		c.Set(ctx, fmt.Sprintf("category_9_p%d_newest", i+1), payload(`{}`))
	}

	entries := c.Entries(ctx, "category_9_")
	if len(entries) != maxEntries {
		t.Fatalf("expected %d entries, got %d", maxEntries, len(entries))
	}
	if _, ok := c.Get(ctx, "category_9_p1_newest"); ok {
		t.Error("expected oldest entry to be evicted")
	}
	for i := 2; i <= maxEntries+1; i++ {
		if _, ok := c.Get(ctx, fmt.Sprintf("category_9_p%d_newest", i)); !ok {
			t.Errorf("expected page %d to remain", i)
		}
	}
}

func TestCache_PerInstanceBoundsAreIndependent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(storage.NewMemory(), clock, Family{Prefix: "category_", TTL: time.Hour, MaxEntries: 1, PerInstance: true})

	c.Set(ctx, "category_5_p1_newest", payload(`5`))
	clock.At(10)
	c.Set(ctx, "category_6_p1_newest", payload(`6`))

	if _, ok := c.Get(ctx, "category_5_p1_newest"); !ok {
		t.Error("writing category 6 must not evict category 5")
	}
}

func TestCache_SharedBoundAcrossPrefix(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(storage.NewMemory(), clock, Family{Prefix: "product_", TTL: time.Hour, MaxEntries: 2})

	c.Set(ctx, "product_1_detail", payload(`1`))
	clock.At(10)
	c.Set(ctx, "product_2_detail", payload(`2`))
	clock.At(20)
	c.Set(ctx, "product_3_detail", payload(`3`))

	if _, ok := c.Get(ctx, "product_1_detail"); ok {
		t.Error("expected product 1 to be evicted from the shared product family")
	}
}

func TestCache_EvictionTieBreaksByKey(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(storage.NewMemory(), newFakeClock(), Family{Prefix: "category_5_", TTL: time.Hour, MaxEntries: 2})

	c.Set(ctx, "category_5_p2_x", payload(`2`))
	c.Set(ctx, "category_5_p1_x", payload(`1`))
	c.Set(ctx, "category_5_p3_x", payload(`3`))

	if _, ok := c.Get(ctx, "category_5_p1_x"); ok {
		t.Error("expected the lexicographically smallest key to lose the tie")
	}
	if _, ok := c.Get(ctx, "category_5_p3_x"); !ok {
		t.Error("the key just written must survive eviction")
	}
}

func TestCache_InvalidateFamily(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	c := newTestCache(store, newFakeClock())

	c.Set(ctx, "category_5_p1_newest", payload(`1`))
	c.Set(ctx, "category_5_p2_newest", payload(`2`))
	c.Set(ctx, "category_55_p1_newest", payload(`3`))
	c.Set(ctx, "product_5_detail", payload(`4`))

	removed := c.InvalidateFamily(ctx, "category_5_")
	if len(removed) != 2 || removed[0] != "category_5_p1_newest" || removed[1] != "category_5_p2_newest" {
		t.Fatalf("unexpected removed keys %v", removed)
	}
	for _, k := range []string{"category_55_p1_newest", "product_5_detail"} {
		if _, ok := c.Get(ctx, k); !ok {
			t.Errorf("expected %s to survive invalidation", k)
		}
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 remaining entries, got %d", store.Len())
	}
}

func TestCache_MalformedEntryIsRemoved(t *testing.T) {
	ctx := context.Background()
	for name, raw := range map[string]string{
		"not json":     `{{{`,
		"no storedAt":  `{"payload":{"a":1}}`,
		"no payload":   `{"storedAt":1700000000000}`,
		"null payload": `{"storedAt":1700000000000,"payload":null}`,
		"wrong type":   `[1,2,3]`,
	} {
		t.Run(name, func(t *testing.T) {
			store := storage.NewMemory()
			_ = store.Write(ctx, "product_1_detail", raw)
			c := newTestCache(store, newFakeClock())

			if _, ok := c.Get(ctx, "product_1_detail"); ok {
				t.Fatal("expected malformed entry to read as absent")
			}
			if store.Len() != 0 {
				t.Fatal("expected malformed entry to be removed")
			}
		})
	}
}

func TestCache_ExcludedPrefixUntouched(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	_ = store.Write(ctx, "recent_u1_views", `["9","4"]`)
	c := New(store, Options{
		Default: Family{TTL: time.Minute, MaxEntries: 1},
		Now:     newFakeClock().Now,
		Exclude: []string{"recent_"},
	})

	if _, ok := c.Get(ctx, "recent_u1_views"); ok {
		t.Error("excluded key must read as absent")
	}
	if _, ok := c.PeekAge(ctx, "recent_u1_views"); ok {
		t.Error("excluded key must have no age")
	}
	c.Set(ctx, "recent_u1_views", payload(`{"a":1}`))
	if removed := c.InvalidateFamily(ctx, ""); len(removed) != 0 {
		t.Errorf("excluded key invalidated: %v", removed)
	}
	if entries := c.Entries(ctx, ""); len(entries) != 0 {
		t.Errorf("excluded key listed: %+v", entries)
	}
	raw, err := store.Read(ctx, "recent_u1_views")
	if err != nil || raw != `["9","4"]` {
		t.Errorf("excluded data changed: %q %v", raw, err)
	}
}

func TestCache_PeekAgeDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(storage.NewMemory(), clock)

	if _, ok := c.PeekAge(ctx, "missing"); ok {
		t.Fatal("expected no age for missing key")
	}

	c.Set(ctx, "product_1_detail", payload(`{}`))
	clock.At(2 * time.Minute.Milliseconds())
	age, ok := c.PeekAge(ctx, "product_1_detail")
	if !ok || age != 2*time.Minute {
		t.Fatalf("expected age 2m, got %v ok=%v", age, ok)
	}
	if _, ok := c.PeekAge(ctx, "product_1_detail"); !ok {
		t.Fatal("PeekAge must not delete an expired entry")
	}
}

func TestCache_LookupReportsStaleness(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(storage.NewMemory(), clock)

	c.Set(ctx, "product_1_detail", payload(`{}`))
	clock.At(10_000)
	l, ok := c.Lookup(ctx, "product_1_detail")
	if !ok || l.Stale {
		t.Fatalf("expected fresh hit, got %+v ok=%v", l, ok)
	}
	clock.At(30_000)
	l, ok = c.Lookup(ctx, "product_1_detail")
	if !ok || !l.Stale {
		t.Fatalf("expected stale hit, got %+v ok=%v", l, ok)
	}
	if l.Age != 30*time.Second {
		t.Errorf("expected age 30s, got %v", l.Age)
	}
}

func TestCache_ZeroStaleAfterNeverStale(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := New(storage.NewMemory(), Options{Default: Family{TTL: time.Minute}, Now: clock.Now})

	c.Set(ctx, "k_1_x", payload(`1`))
	clock.At(59_000)
	if l, ok := c.Lookup(ctx, "k_1_x"); !ok || l.Stale {
		t.Fatalf("expected non-stale hit with staleness disabled, got %+v ok=%v", l, ok)
	}
}

func TestCache_WriteFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Memory: storage.NewMemory(), failWrite: true}
	c := newTestCache(store, newFakeClock())

	c.Set(ctx, "product_1_detail", payload(`{}`))
	if _, ok := c.Get(ctx, "product_1_detail"); ok {
		t.Error("expected miss after failed write")
	}
}

func TestCache_ReadFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Memory: storage.NewMemory()}
	c := newTestCache(store, newFakeClock())

	c.Set(ctx, "product_1_detail", payload(`{}`))
	store.failRead = true
	if _, ok := c.Get(ctx, "product_1_detail"); ok {
		t.Error("expected miss when storage read fails")
	}
	store.failRead = false
	if _, ok := c.Get(ctx, "product_1_detail"); !ok {
		t.Error("a failed read must not delete the entry")
	}
}

func TestCache_KeysFailureSkipsEvictionAndInvalidation(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Memory: storage.NewMemory(), failKeys: true}
	c := newTestCache(store, newFakeClock(), Family{Prefix: "category_5_", TTL: time.Hour, MaxEntries: 1})

	c.Set(ctx, "category_5_p1_x", payload(`1`))
	c.Set(ctx, "category_5_p2_x", payload(`2`))
	if removed := c.InvalidateFamily(ctx, "category_5_"); len(removed) != 0 {
		t.Errorf("expected nothing removed, got %v", removed)
	}
	if _, ok := c.Get(ctx, "category_5_p2_x"); !ok {
		t.Error("expected write to succeed even when eviction cannot enumerate")
	}
}

func TestCache_QuotaExceededDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(storage.NewMemory(storage.WithQuota(64)), newFakeClock())

	big := fmt.Sprintf(`{"blob":%q}`, strings.Repeat("a", 128))
	c.Set(ctx, "product_1_detail", payload(big))
	if _, ok := c.Get(ctx, "product_1_detail"); ok {
		t.Error("expected miss for an entry rejected by quota")
	}
}

func TestCache_InvalidPayloadIsNotStored(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	c := newTestCache(store, newFakeClock())

	c.Set(ctx, "product_1_detail", payload(`{not json`))
	c.Set(ctx, "product_2_detail", nil)
	if store.Len() != 0 {
		t.Errorf("expected no entries stored, got %d", store.Len())
	}
}

func TestCache_FamilyResolutionLongestPrefix(t *testing.T) {
	c := newTestCache(storage.NewMemory(), newFakeClock(),
		Family{Prefix: "category_", TTL: 3 * time.Minute},
		Family{Prefix: "category_5_", TTL: time.Minute},
	)
	if got := c.FamilyOf("category_5_p1_x").TTL; got != time.Minute {
		t.Errorf("expected longest prefix TTL 1m, got %v", got)
	}
	if got := c.FamilyOf("category_6_p1_x").TTL; got != 3*time.Minute {
		t.Errorf("expected category TTL 3m, got %v", got)
	}
	if got := c.FamilyOf("profile_1_info").TTL; got != time.Minute {
		t.Errorf("expected default TTL 1m, got %v", got)
	}
	if got := c.FamilyOf("category_6_p1_x").MaxEntries; got != DefaultMaxEntries {
		t.Errorf("expected default max entries, got %d", got)
	}
}

func TestInstancePrefix(t *testing.T) {
	tests := map[string]string{
		"category_5_p1_newest": "category_5_",
		"product_1_detail":     "product_1_",
		"flag_x":               "flag_",
		"plain":                "plain",
	}
	for key, want := range tests {
		if got := InstancePrefix(key); got != want {
			t.Errorf("InstancePrefix(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestCache_Concurrent(_ *testing.T) {
	ctx := context.Background()
	c := New(storage.NewMemory(), Options{Default: Family{TTL: time.Minute, MaxEntries: 5}})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("category_%d_p%d_x", i%3, i%7+1)
			c.Set(ctx, key, payload(`{}`))
			c.Get(ctx, key)
			c.PeekAge(ctx, key)
		}(i)
	}
	wg.Wait()
}

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestMemoryImplementsStore(_ *testing.T) {
	var _ Store = (*Memory)(nil)
}

func TestSQLStoreImplementsStore(_ *testing.T) {
	var _ Store = (*SQLStore)(nil)
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, newSQLiteTestStore(t, "storefront"))
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("FRESHCACHE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set FRESHCACHE_TEST_POSTGRES_DSN to run Postgres store integration tests")
	}

	store, err := NewPostgresStore(dsn, "contract-test")
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.db.Exec("DELETE FROM cache_entries WHERE origin = 'contract-test'")
		_ = store.Close()
	})

	_, _ = store.db.Exec("DELETE FROM cache_entries WHERE origin = 'contract-test'")
	runStoreContract(t, store)
}

func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Read(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}

	if err := store.Write(ctx, "category_5_p1_newest", `{"a":1}`); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := store.Read(ctx, "category_5_p1_newest")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != `{"a":1}` {
		t.Fatalf("read returned %q", got)
	}

	if err := store.Write(ctx, "category_5_p1_newest", `{"a":2}`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = store.Read(ctx, "category_5_p1_newest")
	if got != `{"a":2}` {
		t.Fatalf("expected overwritten value, got %q", got)
	}

	if err := store.Write(ctx, "product_9_detail", `{}`); err != nil {
		t.Fatalf("write second key: %v", err)
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "category_5_p1_newest" || keys[1] != "product_9_detail" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if err := store.Delete(ctx, "category_5_p1_newest"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Read(ctx, "category_5_p1_newest"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "category_5_p1_newest"); err != nil {
		t.Fatalf("deleting a missing key should not fail: %v", err)
	}
}

func TestMemoryQuota(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithQuota(16))

	if err := m.Write(ctx, "a", "12345"); err != nil {
		t.Fatalf("write within quota: %v", err)
	}
	if err := m.Write(ctx, "b", "1234567890"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if _, err := m.Read(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected write must not be stored")
	}

	// Replacing a value frees the old bytes first.
	if err := m.Write(ctx, "a", "123456789012345"); err != nil {
		t.Fatalf("replacement within quota: %v", err)
	}
	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Write(ctx, "b", "1234567890"); err != nil {
		t.Fatalf("write after delete freed quota: %v", err)
	}
}

func TestSQLiteStoreOriginIsolation(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := NewSQLiteStore(path, "store-a")
	if err != nil {
		t.Fatalf("open store-a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewSQLiteStore(path, "store-b")
	if err != nil {
		t.Fatalf("open store-b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if err := a.Write(ctx, "k", "from-a"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := b.Read(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected origin b not to see origin a's key, got %v", err)
	}
	keys, _ := b.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("expected no keys for origin b, got %v", keys)
	}
}

func TestPostgresStoreMissingDSN(t *testing.T) {
	if _, err := NewPostgresStore("", "x"); err == nil {
		t.Fatalf("expected error for missing postgres dsn")
	}
}

func newSQLiteTestStore(t *testing.T, origin string) *SQLStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "freshcache.db")
	store, err := NewSQLiteStore(path, origin)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = os.Remove(path)
	})
	return store
}

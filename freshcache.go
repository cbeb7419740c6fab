// Package freshcache serves StudentStore REST resources through a durable
// freshness cache.
//
// The Loader type is the main entry point: create one with New over a
// storage.Store and a Fetcher, read resources with Load (or the Product,
// Category, Reviews, Wishlist and Profile helpers), and keep it honest with
// Invalidate or by subscribing it to an events.Bus with Watch.
//
// Cached entries are served until their family's TTL. Once an entry passes
// the family's staleness threshold it is still served, and a single
// background refresh is started for its key. A miss fetches synchronously
// and surfaces network errors to the caller; nothing is retried.
package freshcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/studentstore/freshcache/backend"
	"github.com/studentstore/freshcache/internal/cache"
	"github.com/studentstore/freshcache/internal/events"
	"github.com/studentstore/freshcache/internal/keys"
	"github.com/studentstore/freshcache/internal/logging"
	"github.com/studentstore/freshcache/internal/metrics"
	"github.com/studentstore/freshcache/storage"
)

// ErrNotFetchable is returned for resource kinds that have no backend
// endpoint, such as recently-viewed lists.
var ErrNotFetchable = errors.New("resource is not fetchable")

// ErrClosed is returned by Load after Close.
var ErrClosed = errors.New("loader is closed")

// Fetcher loads one resource from the network.
type Fetcher interface {
	Fetch(ctx context.Context, ref keys.Ref) (json.RawMessage, error)
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context, ref keys.Ref) (json.RawMessage, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, ref keys.Ref) (json.RawMessage, error) {
	return f(ctx, ref)
}

// Source reports where a Result came from.
type Source string

// Source constants.
const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Result is a loaded resource.
type Result struct {
	Key     string
	Payload json.RawMessage
	Source  Source
	// Age is zero for network results.
	Age time.Duration
	// Stale is set when a cached payload was served and a background refresh
	// was requested for it.
	Stale bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithClock overrides the time source used for entry ages.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// WithRefreshTimeout bounds each background refresh. It defaults to the
// backend timeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(l *Loader) { l.refreshTimeout = d }
}

// maxTrackedInvalidations bounds the invalidation history. When exceeded
// the history is folded into a single floor sequence.
const maxTrackedInvalidations = 1024

// Loader is safe for concurrent use.
type Loader struct {
	cfg            Config
	store          storage.Store
	cache          *cache.Cache
	fetcher        Fetcher
	now            func() time.Time
	refreshTimeout time.Duration

	sf singleflight.Group

	mu         sync.Mutex
	refreshing map[string]bool
	closed     bool
	wg         sync.WaitGroup

	// genMu orders cache writes against invalidations. seq increases on
	// every invalidation; invalidated maps a prefix to the seq of its most
	// recent invalidation.
	genMu       sync.Mutex
	seq         uint64
	floor       uint64
	invalidated map[string]uint64

	// recentMu serializes read-modify-write of recently-viewed lists.
	recentMu sync.Mutex
}

// New creates a Loader. cfg is validated after defaults are applied.
func New(cfg Config, store storage.Store, fetcher Fetcher, opts ...Option) (*Loader, error) {
	if store == nil {
		return nil, errors.New("freshcache: store is required")
	}
	if fetcher == nil {
		return nil, errors.New("freshcache: fetcher is required")
	}
	cfg.Families = append([]FamilyConfig(nil), cfg.Families...)
	ApplyDefaults(&cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("freshcache: invalid config: %w", err)
	}

	l := &Loader{
		cfg:            cfg,
		store:          store,
		fetcher:        fetcher,
		now:            time.Now,
		refreshTimeout: cfg.Backend.Timeout.Std(),
		refreshing:     make(map[string]bool),
		invalidated:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.cache = cache.New(store, cfg.cacheOptions(l.now))
	return l, nil
}

// Config returns the effective configuration.
func (l *Loader) Config() Config {
	return l.cfg
}

// Load returns the resource identified by ref, from the cache when a live
// entry exists and from the network otherwise. Concurrent misses for one key
// share a single fetch. The shared fetch is not tied to any one caller: a
// caller whose ctx ends gets ctx.Err() while the fetch completes and fills
// the cache for the others.
func (l *Loader) Load(ctx context.Context, ref keys.Ref) (*Result, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}
	key := ref.Key()

	if hit, ok := l.cache.Lookup(ctx, key); ok {
		if hit.Stale {
			l.refreshAsync(ctx, ref)
		}
		return &Result{Key: key, Payload: hit.Payload, Source: SourceCache, Age: hit.Age, Stale: hit.Stale}, nil
	}

	ch := l.sf.DoChan(key, func() (interface{}, error) {
		if !l.track() {
			return nil, ErrClosed
		}
		defer l.wg.Done()

		fctx, cancel := l.detach(ctx)
		defer cancel()
		gen := l.generation()
		payload, err := l.fetch(fctx, ref)
		if err != nil {
			return nil, err
		}
		l.storeIfCurrent(fctx, key, gen, payload)
		return payload, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return &Result{Key: key, Payload: res.Val.(json.RawMessage), Source: SourceNetwork}, nil
	}
}

// Refresh fetches ref from the network and stores the result whatever the
// state of the cache.
func (l *Loader) Refresh(ctx context.Context, ref keys.Ref) (json.RawMessage, error) {
	payload, err := l.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if cacheable(payload) {
		l.genMu.Lock()
		l.cache.Set(ctx, ref.Key(), payload)
		l.genMu.Unlock()
	}
	return payload, nil
}

// Invalidate deletes every entry whose key starts with prefix and returns
// the removed keys. Background refreshes already in flight for those keys
// will not write their results.
func (l *Loader) Invalidate(ctx context.Context, prefix string) []string {
	removed, _ := l.invalidate(ctx, prefix)
	return removed
}

// invalidate is Invalidate that also returns the sequence number assigned
// to this invalidation.
func (l *Loader) invalidate(ctx context.Context, prefix string) ([]string, uint64) {
	l.genMu.Lock()
	defer l.genMu.Unlock()

	l.seq++
	if len(l.invalidated) >= maxTrackedInvalidations {
		l.floor = l.seq
		l.invalidated = make(map[string]uint64)
	}
	l.invalidated[prefix] = l.seq
	return l.cache.InvalidateFamily(ctx, prefix), l.seq
}

// Watch subscribes the Loader to bus. For every event on the given subjects
// (all known subjects when none are given) it invalidates the event's
// family before the publish returns, then refetches each removed key in the
// background. Refetches outlive the publisher's ctx; Wait blocks until they
// are done. The returned function removes the subscriptions.
func (l *Loader) Watch(bus *events.Bus, subjects ...string) (stop func()) {
	if len(subjects) == 0 {
		subjects = events.Subjects
	}
	unsubs := make([]func(), 0, len(subjects))
	for _, subject := range subjects {
		unsubs = append(unsubs, bus.Subscribe(subject, l.handleEvent))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (l *Loader) handleEvent(ctx context.Context, ev events.Event) {
	log := logging.FromContext(ctx)
	if ev.Family == "" {
		log.Warn("ignoring change event without family", "subject", ev.Subject)
		return
	}
	removed, gen := l.invalidate(ctx, ev.Family)
	log.Info("cache family invalidated", "subject", ev.Subject, "family", ev.Family, "removed", len(removed))

	refs := make([]keys.Ref, 0, len(removed))
	for _, key := range removed {
		ref, err := keys.Parse(key)
		if err != nil || !fetchable(ref.Kind) {
			continue
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 || !l.track() {
		return
	}
	go func() {
		defer l.wg.Done()
		for _, ref := range refs {
			l.refetch(ctx, ref, gen)
		}
	}()
}

// refetch reloads one key removed by the invalidation numbered gen. The
// result is written unless a later invalidation covers the key, in which
// case that invalidation's own refetch wins.
func (l *Loader) refetch(ctx context.Context, ref keys.Ref, gen uint64) {
	rctx, cancel := l.detach(ctx)
	defer cancel()
	log := logging.FromContext(rctx)

	key := ref.Key()
	payload, err := l.fetch(rctx, ref)
	if err != nil {
		metrics.Refreshes.WithLabelValues("error").Inc()
		log.Warn("refetch after invalidation failed", "key", key, "error", err)
		return
	}
	if !l.storeIfCurrent(rctx, key, gen, payload) {
		metrics.Refreshes.WithLabelValues("discarded").Inc()
		return
	}
	metrics.Refreshes.WithLabelValues("success").Inc()
}

// Product loads a product detail.
func (l *Loader) Product(ctx context.Context, id string) (*Result, error) {
	return l.Load(ctx, keys.Ref{Kind: keys.KindProduct, ID: id})
}

// Category loads one page of a category's product listing.
func (l *Loader) Category(ctx context.Context, id string, page int, sort string) (*Result, error) {
	return l.Load(ctx, keys.Ref{Kind: keys.KindCategory, ID: id, Page: page, Sort: sort})
}

// Reviews loads one page of a product's reviews.
func (l *Loader) Reviews(ctx context.Context, productID string, page int, sort string) (*Result, error) {
	return l.Load(ctx, keys.Ref{Kind: keys.KindReviews, ID: productID, Page: page, Sort: sort})
}

// Wishlist loads a user's wishlist.
func (l *Loader) Wishlist(ctx context.Context, userID string) (*Result, error) {
	return l.Load(ctx, keys.Ref{Kind: keys.KindWishlist, ID: userID})
}

// Profile loads a user's profile and dashboard data.
func (l *Loader) Profile(ctx context.Context, userID string) (*Result, error) {
	return l.Load(ctx, keys.Ref{Kind: keys.KindProfile, ID: userID})
}

// Entries lists cached entries whose key starts with prefix.
func (l *Loader) Entries(ctx context.Context, prefix string) []cache.Info {
	return l.cache.Entries(ctx, prefix)
}

// Cached returns the live cached payload for key without fetching.
func (l *Loader) Cached(ctx context.Context, key string) (json.RawMessage, bool) {
	return l.cache.Get(ctx, key)
}

// PeekAge reports the age of the entry at key without consuming it.
func (l *Loader) PeekAge(ctx context.Context, key string) (time.Duration, bool) {
	return l.cache.PeekAge(ctx, key)
}

// Wait blocks until every fetch started so far, foreground or background,
// has finished.
func (l *Loader) Wait() {
	l.wg.Wait()
}

// Close stops new loads, waits for background refreshes and closes the
// store.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.wg.Wait()
	return l.store.Close()
}

func (l *Loader) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// track registers one unit of work with wg unless the Loader is closed.
// The caller must call wg.Done when track returns true.
func (l *Loader) track() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.wg.Add(1)
	return true
}

// detach returns a context that keeps ctx's values, ignores its
// cancellation and is bounded by the refresh timeout.
func (l *Loader) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx := context.WithoutCancel(ctx)
	if l.refreshTimeout > 0 {
		return context.WithTimeout(dctx, l.refreshTimeout)
	}
	return context.WithCancel(dctx)
}

// refreshAsync starts a background refresh of ref unless one is already
// running for its key. The refresh outlives ctx's cancellation but keeps
// its values, so it logs under the caller's trace ID.
func (l *Loader) refreshAsync(ctx context.Context, ref keys.Ref) {
	key := ref.Key()
	l.mu.Lock()
	if l.closed || l.refreshing[key] {
		l.mu.Unlock()
		return
	}
	l.refreshing[key] = true
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.refreshing, key)
			l.mu.Unlock()
		}()

		rctx, cancel := l.detach(ctx)
		defer cancel()
		log := logging.FromContext(rctx)

		gen := l.generation()
		payload, err := l.fetch(rctx, ref)
		if err != nil {
			metrics.Refreshes.WithLabelValues("error").Inc()
			log.Warn("background refresh failed", "key", key, "error", err)
			return
		}
		if !l.storeIfCurrent(rctx, key, gen, payload) {
			metrics.Refreshes.WithLabelValues("discarded").Inc()
			log.Debug("discarding refresh begun before invalidation", "key", key)
			return
		}
		metrics.Refreshes.WithLabelValues("success").Inc()
	}()
}

func (l *Loader) fetch(ctx context.Context, ref keys.Ref) (json.RawMessage, error) {
	resource := string(ref.Kind)
	start := time.Now()
	payload, err := l.fetcher.Fetch(ctx, ref)
	metrics.FetchDuration.WithLabelValues(resource).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FetchErrors.WithLabelValues(resource).Inc()
		return nil, fmt.Errorf("fetch %s: %w", ref.Key(), err)
	}
	return payload, nil
}

func (l *Loader) generation() uint64 {
	l.genMu.Lock()
	defer l.genMu.Unlock()
	return l.seq
}

// storeIfCurrent writes payload unless a family covering key was
// invalidated after gen was taken. Empty payloads are never written.
func (l *Loader) storeIfCurrent(ctx context.Context, key string, gen uint64, payload json.RawMessage) bool {
	if !cacheable(payload) {
		return true
	}
	l.genMu.Lock()
	defer l.genMu.Unlock()

	if gen < l.floor {
		return false
	}
	for prefix, seq := range l.invalidated {
		if seq > gen && strings.HasPrefix(key, prefix) {
			return false
		}
	}
	l.cache.Set(ctx, key, payload)
	return true
}

// cacheable reports whether payload carries data worth storing. The backend
// answers some requests with no data, which decodes to null.
func cacheable(payload json.RawMessage) bool {
	p := bytes.TrimSpace(payload)
	return len(p) > 0 && !bytes.Equal(p, []byte("null"))
}

// fetchable reports whether kind has a backend endpoint.
func fetchable(kind keys.Kind) bool {
	switch kind {
	case keys.KindProduct, keys.KindCategory, keys.KindReviews, keys.KindWishlist, keys.KindProfile:
		return true
	}
	return false
}

// BackendFetcher fetches resources with a backend.Client. List endpoints
// are queried with pageSize as the limit.
type BackendFetcher struct {
	Client   *backend.Client
	PageSize int
}

// NewBackendFetcher returns a Fetcher for cfg.Backend.
func NewBackendFetcher(cfg BackendConfig) (*BackendFetcher, error) {
	opts := []backend.Option{backend.WithTimeout(cfg.Timeout.Std())}
	if cfg.Token != "" {
		opts = append(opts, backend.WithToken(cfg.Token))
	}
	client, err := backend.New(cfg.BaseURL, opts...)
	if err != nil {
		return nil, err
	}
	return &BackendFetcher{Client: client, PageSize: cfg.PageSize}, nil
}

// Fetch implements Fetcher.
func (f *BackendFetcher) Fetch(ctx context.Context, ref keys.Ref) (json.RawMessage, error) {
	switch ref.Kind {
	case keys.KindProduct:
		return f.Client.Product(ctx, ref.ID)
	case keys.KindCategory:
		return f.Client.CategoryProducts(ctx, ref.ID, f.query(ref))
	case keys.KindReviews:
		return f.Client.Reviews(ctx, ref.ID, f.query(ref))
	case keys.KindWishlist:
		return f.Client.Wishlist(ctx, ref.ID)
	case keys.KindProfile:
		return f.Client.Profile(ctx, ref.ID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotFetchable, ref.Kind)
	}
}

func (f *BackendFetcher) query(ref keys.Ref) backend.Query {
	sort := ref.Sort
	if sort == keys.DefaultSort {
		sort = ""
	}
	page := ref.Page
	if page < 1 {
		page = 1
	}
	return backend.Query{Page: page, Limit: f.PageSize, Sort: sort}
}

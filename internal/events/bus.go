// Package events is a small in-process publish/subscribe bus used to signal
// that server-side data behind a cache family changed. Consumers subscribe
// explicitly; there is no global event namespace.
package events

import (
	"context"
	"sync"

	"github.com/studentstore/freshcache/internal/logging"
)

// Subjects published when StudentStore data changes.
const (
	SubjectProductChanged  = "product.changed"
	SubjectCategoryChanged = "category.changed"
	SubjectReviewChanged   = "review.changed"
	SubjectWishlistChanged = "wishlist.changed"
	SubjectProfileChanged  = "profile.changed"
)

// Subjects lists every known subject.
var Subjects = []string{
	SubjectProductChanged,
	SubjectCategoryChanged,
	SubjectReviewChanged,
	SubjectWishlistChanged,
	SubjectProfileChanged,
}

// Event announces a change. Family is the cache key prefix it affects.
type Event struct {
	Subject string                 `json:"subject"`
	Family  string                 `json:"family"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// HandlerFunc receives published events.
type HandlerFunc func(ctx context.Context, ev Event)

type subscription struct {
	id      uint64
	subject string
	fn      HandlerFunc
}

// Bus fans events out to subscribers. The zero value is ready to use.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for subject. An empty subject receives every
// event. The returned function removes the subscription.
func (b *Bus) Subscribe(subject string, fn HandlerFunc) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, subject: subject, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Publish calls every matching handler synchronously, in subscription
// order, and returns how many ran. A panicking handler is logged and does
// not stop the others.
func (b *Bus) Publish(ctx context.Context, ev Event) int {
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.subject == "" || s.subject == ev.Subject {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		b.dispatch(ctx, s, ev)
	}
	return len(matched)
}

func (b *Bus) dispatch(ctx context.Context, s subscription, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			logging.FromContext(ctx).Error("event handler panicked",
				"subject", ev.Subject, "family", ev.Family, "panic", p)
		}
	}()
	s.fn(ctx, ev)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

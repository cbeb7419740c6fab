package freshcache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/studentstore/freshcache/internal/keys"
	"github.com/studentstore/freshcache/internal/logging"
	"github.com/studentstore/freshcache/internal/metrics"
	"github.com/studentstore/freshcache/storage"
)

// RecordView moves productID to the front of userID's recently-viewed list,
// dropping older items past the configured maximum, and returns the new
// list. Lists are kept in storage without expiry. A failed write is logged
// and the updated list is still returned.
func (l *Loader) RecordView(ctx context.Context, userID, productID string) []string {
	l.recentMu.Lock()
	defer l.recentMu.Unlock()

	key := keys.Recent(userID)
	list := l.readRecent(ctx, key)

	updated := make([]string, 0, len(list)+1)
	updated = append(updated, productID)
	for _, id := range list {
		if id != productID {
			updated = append(updated, id)
		}
	}
	if limit := l.cfg.Recent.MaxItems; len(updated) > limit {
		updated = updated[:limit]
	}

	b, err := json.Marshal(updated)
	if err == nil {
		err = l.store.Write(ctx, key, string(b))
	}
	if err != nil {
		metrics.StorageErrors.WithLabelValues("write").Inc()
		logging.FromContext(ctx).Warn("recording recent view failed", "key", key, "error", err)
	}
	return updated
}

// Recent returns userID's recently-viewed product IDs, most recent first.
func (l *Loader) Recent(ctx context.Context, userID string) []string {
	l.recentMu.Lock()
	defer l.recentMu.Unlock()
	return l.readRecent(ctx, keys.Recent(userID))
}

// readRecent loads a list. Unreadable lists are deleted and read as empty.
func (l *Loader) readRecent(ctx context.Context, key string) []string {
	raw, err := l.store.Read(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			metrics.StorageErrors.WithLabelValues("read").Inc()
			logging.FromContext(ctx).Warn("reading recent views failed", "key", key, "error", err)
		}
		return []string{}
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		logging.FromContext(ctx).Warn("discarding corrupt recent views", "key", key, "error", err)
		if err := l.store.Delete(ctx, key); err != nil {
			metrics.StorageErrors.WithLabelValues("delete").Inc()
		}
		return []string{}
	}
	if list == nil {
		list = []string{}
	}
	return list
}

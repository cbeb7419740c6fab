// Package storage defines the durable key/value port the freshness cache is
// built on, plus the backends that implement it: an in-process Memory store
// and SQL stores for SQLite and Postgres.
//
// Values are opaque strings. The port only promises whole-value reads and
// writes; it knows nothing about TTLs or entry encoding.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when no value is stored under the key.
var ErrNotFound = errors.New("storage: key not found")

// ErrQuotaExceeded is returned by Write when the backend refuses to grow.
var ErrQuotaExceeded = errors.New("storage: quota exceeded")

// Store is the durable key/value facility scoped to one origin.
type Store interface {
	Read(ctx context.Context, key string) (string, error)
	Write(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Keys enumerates every stored key. Order is unspecified.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

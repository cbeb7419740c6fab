package storage

import (
	"context"
	"sync"
)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithQuota caps the total size in bytes of all keys and values. Writes
// that would exceed it fail with ErrQuotaExceeded. Zero means unlimited.
func WithQuota(bytes int) MemoryOption {
	return func(m *Memory) { m.quota = bytes }
}

// Memory is a thread-safe in-process Store. It behaves like browser local
// storage: string values, optional byte quota, nothing survives the process.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
	quota int
	used  int
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{items: make(map[string]string)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Read returns the value stored under key, or ErrNotFound.
func (m *Memory) Read(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Write stores value under key, replacing any previous value.
func (m *Memory) Write(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.used + len(value)
	if old, ok := m.items[key]; ok {
		used -= len(old)
	} else {
		used += len(key)
	}
	if m.quota > 0 && used > m.quota {
		return ErrQuotaExceeded
	}
	m.items[key] = value
	m.used = used
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.items[key]; ok {
		m.used -= len(key) + len(old)
		delete(m.items, key)
	}
	return nil
}

// Keys returns a snapshot of all stored keys.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys, nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close is a no-op; it exists to satisfy Store.
func (m *Memory) Close() error { return nil }

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists values in a SQL backend (SQLite or Postgres). Each
// store is scoped to one origin so several storefronts can share a database.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
	origin  string
}

// NewSQLiteStore creates a SQLite-backed store.
// dsn can be a file path (e.g. /tmp/freshcache.db) or SQLite DSN.
func NewSQLiteStore(dsn, origin string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "freshcache.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	store := &SQLStore{db: db, dialect: dialectSQLite, origin: origin}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(dsn, origin string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectPostgres, origin: origin}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	var ddl string
	switch s.dialect {
	case dialectPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS cache_entries (
	origin TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (origin, key)
);`
	default:
		ddl = `
CREATE TABLE IF NOT EXISTS cache_entries (
	origin TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (origin, key)
);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
	}
	return nil
}

// Read returns the value stored under key, or ErrNotFound.
func (s *SQLStore) Read(ctx context.Context, key string) (string, error) {
	q := s.bind(`SELECT value FROM cache_entries WHERE origin = ? AND key = ?`)

	var value string
	err := s.db.QueryRowContext(ctx, q, s.origin, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read %q: %w", key, err)
	}
	return value, nil
}

// Write upserts value under key.
func (s *SQLStore) Write(ctx context.Context, key, value string) error {
	q := s.bind(`
INSERT INTO cache_entries(origin, key, value, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(origin, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)

	if _, err := s.db.ExecContext(ctx, q, s.origin, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	q := s.bind(`DELETE FROM cache_entries WHERE origin = ? AND key = ?`)
	if _, err := s.db.ExecContext(ctx, q, s.origin, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Keys returns every key stored for this origin.
func (s *SQLStore) Keys(ctx context.Context) ([]string, error) {
	q := s.bind(`SELECT key FROM cache_entries WHERE origin = ?`)

	rows, err := s.db.QueryContext(ctx, q, s.origin)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

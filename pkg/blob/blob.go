// Package blob archives inbound media in a local SQLite database keyed by
// messages/<sender>/<event>/<file>.
package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS media_objects (
	object_key   TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	data         BLOB NOT NULL,
	created_at   INTEGER NOT NULL
)`

// ErrNotFound reports a missing object key.
var ErrNotFound = errors.New("blob not found")

// Object is one stored payload.
type Object struct {
	Key         string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// Store provides SQLite-backed media persistence.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens the archive at path, creating the schema when needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Put stores data under key, replacing any earlier object with that key.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("object key is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO media_objects (object_key, content_type, data, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(object_key) DO UPDATE SET
	content_type = excluded.content_type,
	data = excluded.data,
	created_at = excluded.created_at
`, key, contentType, data, s.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get loads one object.
func (s *Store) Get(ctx context.Context, key string) (Object, error) {
	if s == nil || s.sqlDB == nil {
		return Object{}, fmt.Errorf("storage is not configured")
	}

	var (
		obj       = Object{Key: key}
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT content_type, data, created_at FROM media_objects WHERE object_key = ?`, key,
	).Scan(&obj.ContentType, &obj.Data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Object{}, fmt.Errorf("get %s: %w", key, err)
	}

	obj.CreatedAt = time.UnixMilli(createdAt).UTC()
	return obj, nil
}

// List returns the keys under prefix in key order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT object_key FROM media_objects WHERE substr(object_key, 1, length(?)) = ? ORDER BY object_key`,
		prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Package sqlite persists cached completions in a SQLite database so hits
// survive process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/recall-ai/recall/pkg/models"
)

// Store is a durable fingerprint→response mapping. One entry per key; a
// write to an existing key replaces the entry and its timestamp. Entries are
// never expired or evicted here.
type Store struct {
	db     *sql.DB
	hits   atomic.Int64
	misses atomic.Int64
}

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS entries (
	key TEXT PRIMARY KEY,
	response TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// Open creates a Store backed by the database at dbPath, creating the
// schema if needed.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if _, err := db.Exec(createEntriesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the entry for key. The second return value reports whether an
// entry was found; a plain miss is not an error.
func (s *Store) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	var entry models.CacheEntry
	entry.Key = key

	err := s.db.QueryRowContext(ctx,
		`SELECT response, created_at FROM entries WHERE key = ?`, key,
	).Scan(&entry.Response, &entry.CreatedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.misses.Add(1)
		return models.CacheEntry{}, false, nil
	case err != nil:
		return models.CacheEntry{}, false, fmt.Errorf("store get: %w", err)
	}

	s.hits.Add(1)
	return entry, true, nil
}

// Put upserts the entry for key. The write is durable once Put returns; a
// repeat write to the same key replaces the response and timestamp.
func (s *Store) Put(ctx context.Context, key, response string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (key, response, created_at) VALUES (?, ?, ?)`,
		key, response, createdAt,
	)
	if err != nil {
		return fmt.Errorf("store put: %w", err)
	}
	return nil
}

// Stats returns the entry count plus hit/miss counters for this process.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
		return models.CacheStats{}, fmt.Errorf("store stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}, nil
}

// Clear removes all entries.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("store clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

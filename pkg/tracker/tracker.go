package tracker

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/recall-ai/recall/pkg/models"
)

// Tracker records and queries per-request cache outcomes.
type Tracker interface {
	// Record stores one request outcome.
	Record(ctx context.Context, rec models.RequestRecord) error
	// Summary returns aggregated outcomes per model.
	Summary(ctx context.Context) ([]models.ModelSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS request_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	cache_hit INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_request_model_time ON request_records(model, created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores one request outcome.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.RequestRecord) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO request_records (model, cache_hit, latency_ms, created_at) VALUES (?, ?, ?, ?)`,
		rec.Model, rec.CacheHit, rec.LatencyMs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// Summary returns aggregated outcomes per model, most-requested first.
func (t *SQLiteTracker) Summary(ctx context.Context) ([]models.ModelSummary, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT model,
		        COUNT(*),
		        COALESCE(SUM(cache_hit), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM request_records
		 GROUP BY model
		 ORDER BY COUNT(*) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.ModelSummary
	for rows.Next() {
		var s models.ModelSummary
		if err := rows.Scan(&s.Model, &s.Requests, &s.Hits, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.Misses = s.Requests - s.Hits
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}

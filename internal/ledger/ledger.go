// Package ledger persists per-video cache and access records.
//
// The ledger is what lets the UI show cache status, access history, and
// resume position without re-deriving any of it from the filesystem. One row
// per video URL; every write is an upsert so racing writers converge.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// VideoRecord is the durable ledger row for one video URL.
type VideoRecord struct {
	VideoURL             string
	ModelID              string
	ModelName            string
	LastPlayedPositionMs int64
	IsCached             bool
	CacheSizeBytes       int64
	LastAccessed         time.Time
	AccessCount          int64
}

const schema = `
CREATE TABLE IF NOT EXISTS video_cache_entries (
	video_url             TEXT PRIMARY KEY,
	model_id              TEXT NOT NULL DEFAULT '',
	model_name            TEXT NOT NULL DEFAULT '',
	last_played_position  INTEGER NOT NULL DEFAULT 0,
	is_cached             INTEGER NOT NULL DEFAULT 0,
	cache_size_bytes      INTEGER NOT NULL DEFAULT 0,
	last_accessed         INTEGER NOT NULL,
	access_count          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_video_cache_last_accessed
	ON video_cache_entries (last_accessed);
`

// Store reads and writes ledger rows.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// New creates the store and runs its migration.
func New(db *sql.DB, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Store{
		db:  db,
		log: log.With(zap.String("component", "ledger")),
		now: time.Now,
	}, nil
}

// RecordAccess creates the row for a URL on first access (accessCount = 1)
// and on every later access bumps accessCount and lastAccessed.
func (s *Store) RecordAccess(ctx context.Context, videoURL, modelID, modelName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO video_cache_entries
			(video_url, model_id, model_name, last_accessed, access_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(video_url) DO UPDATE SET
			model_id      = excluded.model_id,
			model_name    = excluded.model_name,
			last_accessed = excluded.last_accessed,
			access_count  = access_count + 1`,
		videoURL, modelID, modelName, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ledger: record access: %w", err)
	}
	return nil
}

// SetCached updates the cache-status flag and size for a URL, creating the
// row if the URL was never accessed.
func (s *Store) SetCached(ctx context.Context, videoURL string, cached bool, sizeBytes int64) error {
	cachedInt := 0
	if cached {
		cachedInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO video_cache_entries
			(video_url, is_cached, cache_size_bytes, last_accessed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(video_url) DO UPDATE SET
			is_cached        = excluded.is_cached,
			cache_size_bytes = excluded.cache_size_bytes`,
		videoURL, cachedInt, sizeBytes, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ledger: set cached: %w", err)
	}
	return nil
}

// SetPlaybackPosition stores the resume position for a URL.
func (s *Store) SetPlaybackPosition(ctx context.Context, videoURL string, positionMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO video_cache_entries
			(video_url, last_played_position, last_accessed)
		VALUES (?, ?, ?)
		ON CONFLICT(video_url) DO UPDATE SET
			last_played_position = excluded.last_played_position`,
		videoURL, positionMs, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ledger: set playback position: %w", err)
	}
	return nil
}

// Get returns the row for a URL, or nil when none exists.
func (s *Store) Get(ctx context.Context, videoURL string) (*VideoRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT video_url, model_id, model_name, last_played_position,
		       is_cached, cache_size_bytes, last_accessed, access_count
		FROM video_cache_entries WHERE video_url = ?`, videoURL)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get: %w", err)
	}
	return rec, nil
}

// All returns every ledger row, most recently accessed first.
func (s *Store) All(ctx context.Context) ([]VideoRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT video_url, model_id, model_name, last_played_position,
		       is_cached, cache_size_bytes, last_accessed, access_count
		FROM video_cache_entries ORDER BY last_accessed DESC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []VideoRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Delete removes the row for a URL. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, videoURL string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM video_cache_entries WHERE video_url = ?`, videoURL); err != nil {
		return fmt.Errorf("ledger: delete: %w", err)
	}
	return nil
}

// PurgeOlderThan removes rows last accessed before the cutoff and returns
// how many were removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM video_cache_entries WHERE last_accessed < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("ledger: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*VideoRecord, error) {
	var rec VideoRecord
	var cached int
	var lastAccessedMs int64
	if err := row.Scan(&rec.VideoURL, &rec.ModelID, &rec.ModelName,
		&rec.LastPlayedPositionMs, &cached, &rec.CacheSizeBytes,
		&lastAccessedMs, &rec.AccessCount); err != nil {
		return nil, err
	}
	rec.IsCached = cached != 0
	rec.LastAccessed = time.UnixMilli(lastAccessedMs)
	return &rec, nil
}

// Package catalog caches the AI model catalog fetched from the generation
// backend.
//
// The catalog changes rarely, so a fresh copy is kept in SQLite for a
// configurable TTL. The durable copy also serves as the offline fallback when
// the backend is unreachable.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clipcache/clipcache/internal/metrics"
)

// Model describes one generation model offered by the backend.
type Model struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	CreditsPerVideo int             `json:"credits_per_video"`
	SupportsImage   bool            `json:"supports_image"`
	SupportsText    bool            `json:"supports_text"`
	Params          json.RawMessage `json:"params,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS ai_model_catalog (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	payload   TEXT NOT NULL,
	cached_at INTEGER NOT NULL
);
`

// Cache is the durable single-row catalog cache.
type Cache struct {
	db      *sql.DB
	ttl     time.Duration
	log     *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewCache creates the cache and runs its migration.
func NewCache(db *sql.DB, ttl time.Duration, log *zap.Logger, collector *metrics.Collector) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return &Cache{
		db:      db,
		ttl:     ttl,
		log:     log.With(zap.String("component", "catalog")),
		metrics: collector,
		now:     time.Now,
	}, nil
}

// Read returns the cached catalog, or nil when no fresh copy exists.
//
// A stale or undecodable row is removed on the way out, so a later Write
// starts from a clean slate. Neither case is an error; the caller falls back
// to the remote source.
func (c *Cache) Read(ctx context.Context) ([]Model, error) {
	var payload string
	var cachedAtMs int64
	err := c.db.QueryRowContext(ctx,
		`SELECT payload, cached_at FROM ai_model_catalog WHERE id = 1`).
		Scan(&payload, &cachedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		c.metrics.RecordMiss(metrics.CacheCatalog)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}

	if c.now().Sub(time.UnixMilli(cachedAtMs)) > c.ttl {
		c.metrics.RecordMiss(metrics.CacheCatalog)
		if err := c.Invalidate(ctx); err != nil {
			c.log.Warn("failed to drop stale catalog row", zap.Error(err))
		}
		return nil, nil
	}

	var models []Model
	if err := json.Unmarshal([]byte(payload), &models); err != nil {
		c.log.Warn("cached catalog payload is corrupt, dropping", zap.Error(err))
		c.metrics.RecordMaintenanceFailure(metrics.CacheCatalog, "decode")
		if derr := c.Invalidate(ctx); derr != nil {
			c.log.Warn("failed to drop corrupt catalog row", zap.Error(derr))
		}
		return nil, nil
	}

	c.metrics.RecordHit(metrics.CacheCatalog)
	return models, nil
}

// Write replaces the cached catalog with a fresh timestamp.
func (c *Cache) Write(ctx context.Context, models []Model) error {
	payload, err := json.Marshal(models)
	if err != nil {
		return fmt.Errorf("catalog: encode: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO ai_model_catalog (id, payload, cached_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload   = excluded.payload,
			cached_at = excluded.cached_at`,
		string(payload), c.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("catalog: write: %w", err)
	}
	return nil
}

// Invalidate removes the cached catalog regardless of freshness.
func (c *Cache) Invalidate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM ai_model_catalog WHERE id = 1`); err != nil {
		return fmt.Errorf("catalog: invalidate: %w", err)
	}
	return nil
}

// SweepExpired removes the row only when it has passed its TTL. Used by the
// maintenance schedule.
func (c *Cache) SweepExpired(ctx context.Context) error {
	cutoff := c.now().Add(-c.ttl).UnixMilli()
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM ai_model_catalog WHERE cached_at < ?`, cutoff); err != nil {
		return fmt.Errorf("catalog: sweep: %w", err)
	}
	return nil
}

// Remote fetches the live catalog from the generation backend.
type Remote interface {
	FetchModels(ctx context.Context) ([]Model, error)
}

// Source layers the cache over a remote fetcher. Fresh data is preferred and
// cached on the way through; on remote failure the cached copy, even if
// recently written by another caller, keeps the picker working offline.
type Source struct {
	remote Remote
	cache  *Cache
	log    *zap.Logger
}

// NewSource creates a catalog source.
func NewSource(remote Remote, cache *Cache, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		remote: remote,
		cache:  cache,
		log:    log.With(zap.String("component", "catalog.source")),
	}
}

// Models returns the current catalog, remote-first with cached fallback.
func (s *Source) Models(ctx context.Context) ([]Model, error) {
	models, remoteErr := s.remote.FetchModels(ctx)
	if remoteErr == nil {
		if err := s.cache.Write(ctx, models); err != nil {
			// Cache refresh failure must not hide a successful fetch.
			s.log.Warn("failed to cache fetched catalog", zap.Error(err))
		}
		return models, nil
	}

	s.log.Warn("catalog fetch failed, trying cache", zap.Error(remoteErr))
	cached, cacheErr := s.cache.Read(ctx)
	if cacheErr == nil && cached != nil {
		return cached, nil
	}
	if cacheErr != nil {
		return nil, fmt.Errorf("catalog: fetch failed (%w) and cache read failed: %w", remoteErr, cacheErr)
	}
	return nil, fmt.Errorf("catalog: fetch failed and no cached copy: %w", remoteErr)
}

// Package thumbcache stores first-frame thumbnails as JPEG files on disk.
package thumbcache

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/clipcache/clipcache/internal/metrics"
)

// ErrNotCached reports that no thumbnail exists for the requested key.
var ErrNotCached = errors.New("thumbcache: not cached")

// Cache writes and reads per-video thumbnails keyed by the video's cache key.
// Thumbnails are a presentation nicety; every failure here is recoverable by
// re-extracting a frame, so callers treat errors as soft.
type Cache struct {
	dir     string
	quality int
	log     *zap.Logger
	metrics *metrics.Collector
}

// New creates the cache rooted at dir. quality is the JPEG encode quality,
// clamped to the encoder's valid range.
func New(dir string, quality int, log *zap.Logger, collector *metrics.Collector) (*Cache, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("thumbcache: create directory: %w", err)
	}
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		dir:     dir,
		quality: quality,
		log:     log.With(zap.String("component", "thumbcache")),
		metrics: collector,
	}, nil
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".jpg")
}

// Save encodes img as JPEG under key and returns the stored path.
func (c *Cache) Save(key string, img image.Image) (string, error) {
	path := c.path(key)
	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("thumbcache: create temp: %w", err)
	}
	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: c.quality}); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("thumbcache: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("thumbcache: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("thumbcache: publish: %w", err)
	}
	return path, nil
}

// Load decodes the cached thumbnail for key. A file that exists but no
// longer decodes is removed so the caller can regenerate it.
func (c *Cache) Load(key string) (image.Image, error) {
	path := c.path(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.metrics.RecordMiss(metrics.CacheThumbnail)
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("thumbcache: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, err := jpeg.Decode(f)
	if err != nil {
		c.log.Warn("cached thumbnail is corrupt, removing",
			zap.String("key", key), zap.Error(err))
		c.metrics.RecordMaintenanceFailure(metrics.CacheThumbnail, "decode")
		_ = os.Remove(path)
		return nil, ErrNotCached
	}
	c.metrics.RecordHit(metrics.CacheThumbnail)
	return img, nil
}

// CachedPath returns the stored path for key when a thumbnail exists.
func (c *Cache) CachedPath(key string) (string, bool) {
	path := c.path(key)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return "", false
	}
	return path, true
}

// IsCached reports whether a thumbnail exists for key.
func (c *Cache) IsCached(key string) bool {
	_, ok := c.CachedPath(key)
	return ok
}

// Delete removes the thumbnail for key. Deleting a missing thumbnail is not
// an error.
func (c *Cache) Delete(key string) error {
	if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("thumbcache: delete: %w", err)
	}
	return nil
}

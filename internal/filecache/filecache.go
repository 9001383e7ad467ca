// Package filecache caches complete downloaded media files on disk, keyed by
// the content-addressed key of their source URL.
//
// Files in this cache back offline playback, thumbnail extraction, sharing,
// and export. Unlike the chunk store there is no size-based eviction here:
// offline files are removed only by age or explicitly. That asymmetry is a
// product requirement, not an oversight.
package filecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/clipcache/clipcache/internal/cachekey"
	"github.com/clipcache/clipcache/internal/metrics"
	"github.com/clipcache/clipcache/internal/retry"
)

var (
	// ErrEmptyDownload is returned when the remote served zero bytes.
	ErrEmptyDownload = errors.New("filecache: empty download")

	// ErrRemoteStatus is returned for non-success HTTP responses.
	ErrRemoteStatus = errors.New("filecache: unexpected remote status")
)

const defaultMinValidBytes = 1024

// Config represents full-file cache configuration
type Config struct {
	Directory       string        `yaml:"directory"`
	MinValidBytes   int64         `yaml:"min_valid_bytes"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
}

// ProgressFunc receives download progress. totalBytes is -1 when the server
// did not provide a content length.
type ProgressFunc func(bytesSoFar, totalBytes int64)

// Cache is a disk cache of complete, validated media files.
type Cache struct {
	dir           string
	minValidBytes int64
	client        *http.Client
	retryer       *retry.Retryer
	group         singleflight.Group
	log           *zap.Logger
	metrics       *metrics.Collector
}

// New creates the cache, creating its directory if needed. client may be nil.
func New(config *Config, client *http.Client, log *zap.Logger, collector *metrics.Collector) (*Cache, error) {
	if config == nil || config.Directory == "" {
		return nil, fmt.Errorf("filecache: directory is required")
	}
	if config.MinValidBytes <= 0 {
		config.MinValidBytes = defaultMinValidBytes
	}
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = 10 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: config.DownloadTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, fmt.Errorf("filecache: create directory: %w", err)
	}

	return &Cache{
		dir:           config.Directory,
		minValidBytes: config.MinValidBytes,
		client:        client,
		retryer: retry.New(retry.Config{
			MaxAttempts: config.RetryAttempts,
		}),
		log:     log.With(zap.String("component", "filecache")),
		metrics: collector,
	}, nil
}

// CachedPath returns the local path for a key if a valid cached file exists.
//
// Validity means the file exists, is readable, and exceeds the minimum sanity
// size. A file failing validation is deleted before reporting a miss, so the
// next Download starts clean. This self-healing check runs on every read.
func (c *Cache) CachedPath(key string) (string, bool) {
	path := filepath.Join(c.dir, key)

	info, err := os.Stat(path)
	if err != nil {
		c.metrics.RecordMiss(metrics.CacheFile)
		return "", false
	}

	if info.IsDir() || info.Size() < c.minValidBytes {
		c.log.Warn("removing invalid cached file",
			zap.String("key", key), zap.Int64("size", info.Size()))
		if err := os.RemoveAll(path); err != nil {
			c.metrics.RecordMaintenanceFailure(metrics.CacheFile, "self_heal")
		}
		c.metrics.RecordMiss(metrics.CacheFile)
		return "", false
	}

	f, err := os.Open(path)
	if err != nil {
		c.log.Warn("removing unreadable cached file", zap.String("key", key), zap.Error(err))
		if err := os.Remove(path); err != nil {
			c.metrics.RecordMaintenanceFailure(metrics.CacheFile, "self_heal")
		}
		c.metrics.RecordMiss(metrics.CacheFile)
		return "", false
	}
	_ = f.Close()

	c.metrics.RecordHit(metrics.CacheFile)
	return path, true
}

// CachedPathForURL is CachedPath with key derivation applied.
func (c *Cache) CachedPathForURL(url string) (string, bool) {
	return c.CachedPath(cachekey.DeriveKey(url))
}

// Download fetches the complete file for a URL into the cache and returns its
// local path. If the file is already validly cached the call returns
// immediately without network access. Concurrent downloads of the same key
// share one transfer.
func (c *Cache) Download(ctx context.Context, url string, onProgress ProgressFunc) (string, error) {
	key := cachekey.DeriveKey(url)

	if path, ok := c.CachedPath(key); ok {
		return path, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have finished while
		// this one waited for the group slot.
		if path, ok := c.CachedPath(key); ok {
			return path, nil
		}
		return c.download(ctx, key, url, onProgress)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) download(ctx context.Context, key, url string, onProgress ProgressFunc) (string, error) {
	c.cleanupStaleTemps(key)

	finalPath := filepath.Join(c.dir, key)
	start := time.Now()

	var written int64
	err := c.retryer.Do(ctx, func(ctx context.Context) error {
		var err error
		written, err = c.downloadOnce(ctx, finalPath, url, onProgress)
		return err
	})
	if err != nil {
		return "", err
	}

	c.metrics.RecordDownload(written, time.Since(start))
	c.metrics.RecordHit(metrics.CacheFile)
	c.log.Info("download complete",
		zap.String("key", key), zap.Int64("bytes", written))
	return finalPath, nil
}

// downloadOnce performs one full transfer attempt: stream to a temp file in
// the cache directory, then atomically publish by rename. The temp file is
// removed on every failure path; a partial download is never visible under
// the final key name.
func (c *Cache) downloadOnce(ctx context.Context, finalPath, url string, onProgress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("filecache: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("filecache: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: %s (%d)", ErrRemoteStatus, url, resp.StatusCode)
	}

	total := resp.ContentLength // -1 when unknown

	tmpPath := fmt.Sprintf("%s.%s.part", finalPath, uuid.NewString()[:8])
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, fmt.Errorf("filecache: create temp file: %w", err)
	}

	written, err := copyWithProgress(tmp, resp.Body, total, onProgress)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("filecache: stream body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("filecache: close temp file: %w", err)
	}

	if written == 0 {
		_ = os.Remove(tmpPath)
		return 0, ErrEmptyDownload
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		// Rename can fail across volumes; fall back to copy+delete.
		if copyErr := copyFile(tmpPath, finalPath); copyErr != nil {
			_ = os.Remove(tmpPath)
			return 0, fmt.Errorf("filecache: publish file: %w", copyErr)
		}
		_ = os.Remove(tmpPath)
	}

	return written, nil
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, 128*1024)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// cleanupStaleTemps removes leftover temp files for a key. An abandoned
// download leaves at most a temp file behind; it is collected here on the
// next attempt.
func (c *Cache) cleanupStaleTemps(key string) {
	matches, err := filepath.Glob(filepath.Join(c.dir, key+".*.part"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			c.log.Warn("failed to remove stale temp file", zap.String("path", m), zap.Error(err))
			c.metrics.RecordMaintenanceFailure(metrics.CacheFile, "cleanup_temp")
		}
	}
}

// Delete removes the cached file for a key. Missing files are not an error.
func (c *Cache) Delete(key string) error {
	err := os.Remove(filepath.Join(c.dir, key))
	if err != nil && !os.IsNotExist(err) {
		c.log.Warn("failed to delete cached file", zap.String("key", key), zap.Error(err))
		c.metrics.RecordMaintenanceFailure(metrics.CacheFile, "delete")
		return err
	}
	return nil
}

// Clear removes every file in the cache directory. Per-file failures are
// logged and do not stop the sweep.
func (c *Cache) Clear() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("failed to list cache directory", zap.Error(err))
		c.metrics.RecordMaintenanceFailure(metrics.CacheFile, "clear")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
			c.log.Warn("failed to remove cached file", zap.String("name", entry.Name()), zap.Error(err))
			c.metrics.RecordMaintenanceFailure(metrics.CacheFile, "clear")
		}
	}
	c.metrics.SetSize(metrics.CacheFile, 0)
}

// EvictOlderThan removes cached files (and orphaned temp files) last modified
// before the cutoff. Returns the number of files removed. Per-file failures
// are logged and swallowed: cache maintenance never aborts the caller.
func (c *Cache) EvictOlderThan(cutoff time.Time) int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("failed to list cache directory", zap.Error(err))
		c.metrics.RecordMaintenanceFailure(metrics.CacheFile, "evict")
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
			c.log.Warn("failed to evict cached file", zap.String("name", entry.Name()), zap.Error(err))
			c.metrics.RecordMaintenanceFailure(metrics.CacheFile, "evict")
			continue
		}
		removed++
	}

	c.metrics.RecordEvictions(metrics.CacheFile, removed)
	c.metrics.SetSize(metrics.CacheFile, c.TotalSize())
	return removed
}

// TotalSize returns the byte total of completed files in the cache directory.
// In-flight temp files are excluded. Used for quota display; nothing here
// enforces a size limit.
func (c *Cache) TotalSize() int64 {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".part") {
			continue
		}
		if info, err := entry.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

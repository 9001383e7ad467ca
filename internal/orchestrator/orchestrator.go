// Package orchestrator coordinates the playback caches behind one facade.
//
// It decides, per video, whether playback reads from a complete local file or
// streams through the byte-range cache, records every access in the ledger,
// and runs background offline saves on a bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/clipcache/clipcache/internal/cachekey"
	"github.com/clipcache/clipcache/internal/chunkcache"
	"github.com/clipcache/clipcache/internal/config"
	"github.com/clipcache/clipcache/internal/filecache"
	"github.com/clipcache/clipcache/internal/ledger"
	"github.com/clipcache/clipcache/internal/metrics"
)

// ErrSaveQueueFull is returned when the background save queue cannot accept
// another task.
var ErrSaveQueueFull = errors.New("orchestrator: save queue full")

// PlaybackSource tells the player where to read a video from.
type PlaybackSource struct {
	Key       string
	RemoteURL string
	// LocalPath is set when a complete validated file is cached; the player
	// should open it directly.
	LocalPath string
	// Reader serves byte ranges with write-through caching when no complete
	// file exists.
	Reader *chunkcache.Reader
}

// IsLocal reports whether playback comes from a complete cached file.
func (s PlaybackSource) IsLocal() bool { return s.LocalPath != "" }

// VideoMeta carries the generation metadata recorded alongside an access.
type VideoMeta struct {
	ModelID   string
	ModelName string
}

// Orchestrator owns the cache stack for video playback and offline saving.
type Orchestrator struct {
	files    *filecache.Cache
	ranges   *chunkcache.Reader
	ledger   *ledger.Store
	savers   pond.Pool
	saverCfg config.SaverConfig
	log      *zap.Logger
	metrics  *metrics.Collector
	stopOnce sync.Once
}

// New wires the orchestrator over already-constructed caches.
func New(files *filecache.Cache, ranges *chunkcache.Reader, led *ledger.Store,
	saverCfg config.SaverConfig, log *zap.Logger, collector *metrics.Collector) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if saverCfg.Workers <= 0 {
		saverCfg.Workers = 2
	}
	if saverCfg.QueueSize <= 0 {
		saverCfg.QueueSize = 64
	}
	return &Orchestrator{
		files:    files,
		ranges:   ranges,
		ledger:   led,
		savers:   pond.NewPool(saverCfg.Workers, pond.WithQueueSize(saverCfg.QueueSize)),
		saverCfg: saverCfg,
		log:      log.With(zap.String("component", "orchestrator")),
		metrics:  collector,
	}
}

// Resolve returns the playback source for a video URL.
//
// A complete cached file wins; otherwise playback streams through the range
// cache. The access is recorded in the ledger either way, and a video that
// has crossed the auto-save access threshold without being saved is queued
// for a background offline save. Ledger trouble degrades playback features
// but never blocks playback itself.
func (o *Orchestrator) Resolve(ctx context.Context, url string, meta VideoMeta) PlaybackSource {
	key := cachekey.DeriveKey(url)
	source := PlaybackSource{Key: key, RemoteURL: url, Reader: o.ranges}

	if path, ok := o.files.CachedPath(key); ok {
		source.LocalPath = path
	}

	if err := o.ledger.RecordAccess(ctx, url, meta.ModelID, meta.ModelName); err != nil {
		o.log.Warn("failed to record access", zap.String("url", url), zap.Error(err))
		o.metrics.RecordMaintenanceFailure(metrics.CacheLedger, "record_access")
		return source
	}

	o.maybeAutoSave(ctx, url)
	return source
}

// maybeAutoSave queues a background save once a video's access count reaches
// the configured threshold and it is not already saved.
func (o *Orchestrator) maybeAutoSave(ctx context.Context, url string) {
	if o.saverCfg.AutoSaveAccessCount <= 0 {
		return
	}
	rec, err := o.ledger.Get(ctx, url)
	if err != nil || rec == nil {
		return
	}
	if rec.IsCached || rec.AccessCount < o.saverCfg.AutoSaveAccessCount {
		return
	}
	if err := o.SaveOffline(url, nil); err != nil {
		o.log.Debug("auto-save not queued", zap.String("url", url), zap.Error(err))
	}
}

// SaveOffline queues a background download of the complete file. The call
// returns once the task is accepted; onProgress, when non-nil, observes the
// transfer. A full queue is reported rather than blocking the caller.
func (o *Orchestrator) SaveOffline(url string, onProgress filecache.ProgressFunc) error {
	_, ok := o.savers.TrySubmit(func() {
		o.saveOffline(url, onProgress)
	})
	if !ok {
		return ErrSaveQueueFull
	}
	return nil
}

func (o *Orchestrator) saveOffline(url string, onProgress filecache.ProgressFunc) {
	ctx := context.Background()
	path, err := o.files.Download(ctx, url, onProgress)
	if err != nil {
		o.log.Warn("offline save failed", zap.String("url", url), zap.Error(err))
		o.metrics.RecordMaintenanceFailure(metrics.CacheFile, "offline_save")
		return
	}

	size := fileSize(path)
	if err := o.ledger.SetCached(ctx, url, true, size); err != nil {
		// The file is saved; only the status row lagged. The next ledger
		// write or janitor pass reconciles it.
		o.log.Warn("failed to mark video cached", zap.String("url", url), zap.Error(err))
		o.metrics.RecordMaintenanceFailure(metrics.CacheLedger, "set_cached")
	}
}

// RemoveOffline deletes the saved file and clears the ledger flag.
func (o *Orchestrator) RemoveOffline(ctx context.Context, url string) error {
	key := cachekey.DeriveKey(url)
	if err := o.files.Delete(key); err != nil {
		return fmt.Errorf("orchestrator: remove offline copy: %w", err)
	}
	if err := o.ledger.SetCached(ctx, url, false, 0); err != nil {
		return fmt.Errorf("orchestrator: clear cached flag: %w", err)
	}
	return nil
}

// Precache warms the head of a video into the range cache so first playback
// starts without a network round trip. It runs within a hard deadline and
// treats expiry as normal: whatever was cached before the deadline still
// helps.
func (o *Orchestrator) Precache(ctx context.Context, url string) error {
	if o.ranges == nil {
		return nil
	}
	timeout := o.saverCfg.PrecacheTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	size := o.saverCfg.PrecacheBytes
	if size <= 0 {
		size = 2 * 1024 * 1024
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := o.ranges.ReadAt(ctx, url, 0, size)
	if errors.Is(err, context.DeadlineExceeded) {
		o.log.Debug("precache deadline reached", zap.String("url", url))
		return nil
	}
	if err != nil {
		return fmt.Errorf("orchestrator: precache: %w", err)
	}
	return nil
}

// SetPlaybackPosition persists the resume position for a URL.
func (o *Orchestrator) SetPlaybackPosition(ctx context.Context, url string, positionMs int64) error {
	return o.ledger.SetPlaybackPosition(ctx, url, positionMs)
}

// History returns the ledger rows, most recent first.
func (o *Orchestrator) History(ctx context.Context) ([]ledger.VideoRecord, error) {
	return o.ledger.All(ctx)
}

// Close drains the save queue and waits for in-flight saves. Safe to call
// more than once.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(o.savers.StopAndWait)
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Package chunkcache implements a disk-backed byte-range cache for streamed
// media, bounded to a fixed total size with least-recently-used eviction.
//
// It sits between the playback engine and the network: ranges the engine has
// already pulled are served from disk, everything else goes through Reader
// which fills the store on the way through. The index is journaled to the
// cache directory so ranges survive an app relaunch.
package chunkcache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/clipcache/clipcache/internal/metrics"
)

const defaultIndexFile = "chunk-index.json"

// Config represents chunk store configuration
type Config struct {
	Directory    string        `yaml:"directory"`
	MaxBytes     int64         `yaml:"max_bytes"`
	IndexFile    string        `yaml:"index_file"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// Stats represents chunk store statistics
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// rangeEntry is one cached byte range of a remote resource.
type rangeEntry struct {
	URL        string    `json:"url"`
	Offset     int64     `json:"offset"`
	Size       int64     `json:"size"`
	FilePath   string    `json:"file_path"`
	StoredAt   time.Time `json:"stored_at"`
	AccessTime time.Time `json:"access_time"`

	element *list.Element
}

// listKey is the value stored in eviction-list elements.
type listKey struct {
	key string
}

// Store is a bounded, disk-backed byte-range cache with LRU eviction.
//
// Invariant: after every insertion the sum of resident range sizes does not
// exceed MaxBytes.
type Store struct {
	mu          sync.Mutex
	dir         string
	maxBytes    int64
	currentSize int64
	index       map[string]*rangeEntry
	evictList   *list.List // front = most recently used
	config      *Config
	log         *zap.Logger
	metrics     *metrics.Collector
	stats       Stats

	stopCh chan struct{}
	closed bool
}

// Open returns the chunk store for the given directory, creating it on first
// use. Calling Open twice for the same directory returns the same *Store;
// two independent stores over one directory would corrupt each other's
// index, so acquisition is guarded process-wide.
func Open(config *Config, log *zap.Logger, collector *metrics.Collector) (*Store, error) {
	if config == nil || config.Directory == "" {
		return nil, fmt.Errorf("chunkcache: directory is required")
	}
	if config.MaxBytes <= 0 {
		return nil, fmt.Errorf("chunkcache: max_bytes must be positive")
	}
	if config.IndexFile == "" {
		config.IndexFile = defaultIndexFile
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}

	dir, err := filepath.Abs(config.Directory)
	if err != nil {
		return nil, fmt.Errorf("chunkcache: resolve directory: %w", err)
	}

	openMu.Lock()
	defer openMu.Unlock()

	if s, ok := openStores[dir]; ok {
		return s, nil
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("chunkcache: create directory: %w", err)
	}

	s := &Store{
		dir:       dir,
		maxBytes:  config.MaxBytes,
		index:     make(map[string]*rangeEntry),
		evictList: list.New(),
		config:    config,
		log:       log.With(zap.String("component", "chunkcache")),
		metrics:   collector,
		stats:     Stats{Capacity: config.MaxBytes},
		stopCh:    make(chan struct{}),
	}

	if err := s.loadIndex(); err != nil {
		// A broken index is not fatal: drop it and start from the files we
		// can still account for.
		s.log.Warn("discarding unreadable chunk index", zap.Error(err))
		s.index = make(map[string]*rangeEntry)
		s.evictList.Init()
		s.currentSize = 0
	}

	go s.syncLoop()

	openStores[dir] = s
	return s, nil
}

var (
	openMu     sync.Mutex
	openStores = make(map[string]*Store)
)

// Get returns the cached bytes for the exact (url, offset, size) range, or
// nil on a miss. A range whose backing file is unreadable is dropped and
// reported as a miss.
func (s *Store) Get(url string, offset, size int64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rangeKey(url, offset, size)
	entry, ok := s.index[key]
	if !ok {
		s.stats.Misses++
		s.metrics.RecordMiss(metrics.CacheChunk)
		return nil
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil || int64(len(data)) != entry.Size {
		s.removeEntryLocked(key)
		s.stats.Misses++
		s.metrics.RecordMiss(metrics.CacheChunk)
		return nil
	}

	entry.AccessTime = time.Now()
	s.evictList.MoveToFront(entry.element)
	s.stats.Hits++
	s.metrics.RecordHit(metrics.CacheChunk)
	return data
}

// Put stores a byte range. Ranges larger than the whole budget are not
// cached. Insertion evicts least-recently-used ranges until the new bytes
// fit.
func (s *Store) Put(url string, offset int64, data []byte) {
	if len(data) == 0 {
		return
	}
	size := int64(len(data))
	if size > s.maxBytes {
		s.log.Debug("range exceeds cache budget, not caching",
			zap.String("url", url), zap.Int64("size", size))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	key := rangeKey(url, offset, size)
	if existing, ok := s.index[key]; ok {
		// Same range re-written: refresh access order, keep the file.
		existing.AccessTime = time.Now()
		s.evictList.MoveToFront(existing.element)
		return
	}

	entry := &rangeEntry{
		URL:        url,
		Offset:     offset,
		Size:       size,
		FilePath:   s.filePathFor(key),
		StoredAt:   time.Now(),
		AccessTime: time.Now(),
	}

	if err := os.WriteFile(entry.FilePath, data, 0600); err != nil {
		s.log.Warn("failed to persist chunk", zap.String("url", url), zap.Error(err))
		s.metrics.RecordMaintenanceFailure(metrics.CacheChunk, "put")
		return
	}

	entry.element = s.evictList.PushFront(&listKey{key: key})
	s.index[key] = entry
	s.currentSize += size

	s.evictIfNeededLocked()
	s.metrics.SetSize(metrics.CacheChunk, s.currentSize)
}

// IsKeyPresent reports whether any cached range belongs to the URL.
//
// Matching policy: an entry matches when its URL equals the query, contains
// it, or is contained by it. Upstream URL variants (signed query strings and
// the like) still refer to the same resource, so the substring relation is
// accepted deliberately; see matchesKey.
func (s *Store) IsKeyPresent(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.index {
		if matchesKey(entry.URL, url) {
			return true
		}
	}
	return false
}

// matchesKey is the explicit key-matching policy for IsKeyPresent. It can
// produce false positives for URLs that are strict prefixes of one another;
// tightening it requires product input, not a refactor.
func matchesKey(key, url string) bool {
	return key == url || strings.Contains(key, url) || strings.Contains(url, key)
}

// Delete removes every cached range belonging to the URL.
func (s *Store) Delete(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, entry := range s.index {
		if matchesKey(entry.URL, url) {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		s.removeEntryLocked(key)
	}
	s.metrics.SetSize(metrics.CacheChunk, s.currentSize)
}

// Size returns the resident byte count.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSize
}

// Len returns the number of cached ranges.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Stats returns a snapshot of store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Entries = len(s.index)
	stats.Size = s.currentSize
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if s.maxBytes > 0 {
		stats.Utilization = float64(s.currentSize) / float64(s.maxBytes)
	}
	return stats
}

// Clear removes every cached range and its backing file.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.index {
		_ = os.Remove(entry.FilePath)
	}
	s.index = make(map[string]*rangeEntry)
	s.evictList.Init()
	s.currentSize = 0
	s.metrics.SetSize(metrics.CacheChunk, 0)
}

// Close stops the sync loop, writes the index a final time, and releases the
// directory singleton so tests can open a fresh store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	err := s.saveIndexLocked()
	s.mu.Unlock()

	openMu.Lock()
	delete(openStores, s.dir)
	openMu.Unlock()

	return err
}

// Helper methods

func rangeKey(url string, offset, size int64) string {
	return fmt.Sprintf("%s:%d:%d", url, offset, size)
}

func (s *Store) filePathFor(key string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016x.chunk", xxhash.Sum64String(key)))
}

func (s *Store) removeEntryLocked(key string) {
	entry, ok := s.index[key]
	if !ok {
		return
	}
	if entry.element != nil {
		s.evictList.Remove(entry.element)
	}
	_ = os.Remove(entry.FilePath)
	delete(s.index, key)
	s.currentSize -= entry.Size
	s.stats.Evictions++
}

func (s *Store) evictIfNeededLocked() {
	evicted := 0
	for s.currentSize > s.maxBytes && s.evictList.Len() > 0 {
		element := s.evictList.Back()
		if element == nil {
			break
		}
		lk := element.Value.(*listKey)
		s.removeEntryLocked(lk.key)
		evicted++
	}
	s.metrics.RecordEvictions(metrics.CacheChunk, evicted)
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, s.config.IndexFile)
}

func (s *Store) loadIndex() error {
	file, err := os.Open(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var entries map[string]*rangeEntry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return err
	}

	// Rebuild the recency list oldest-first so MoveToFront keeps working.
	ordered := make([]string, 0, len(entries))
	for key := range entries {
		ordered = append(ordered, key)
	}
	for i := 0; i < len(ordered)-1; i++ {
		for j := i + 1; j < len(ordered); j++ {
			if entries[ordered[i]].AccessTime.After(entries[ordered[j]].AccessTime) {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	s.currentSize = 0
	for _, key := range ordered {
		entry := entries[key]
		if _, err := os.Stat(entry.FilePath); err != nil {
			continue // backing file vanished
		}
		entry.element = s.evictList.PushFront(&listKey{key: key})
		s.index[key] = entry
		s.currentSize += entry.Size
	}
	return nil
}

func (s *Store) saveIndexLocked() error {
	tmpPath := s.indexPath() + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(s.index); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, s.indexPath())
}

func (s *Store) syncLoop() {
	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			if err := s.saveIndexLocked(); err != nil {
				s.log.Warn("failed to sync chunk index", zap.Error(err))
				s.metrics.RecordMaintenanceFailure(metrics.CacheChunk, "sync_index")
			}
			s.mu.Unlock()
		}
	}
}

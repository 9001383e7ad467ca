// Package playerpool bounds the number of concurrently live media playback
// engine instances.
//
// Keeping a few instances warm avoids re-buffering when the user scrolls back
// to recently viewed media; the bound keeps decoder and memory usage from
// growing with the feed. Eviction is FIFO over registration order, not true
// recency-of-use LRU. That is a deliberate simplification carried over from
// the product's behavior and must not be silently upgraded.
package playerpool

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/clipcache/clipcache/internal/metrics"
)

// Player is a live playback engine instance owned by the pool while
// registered. Stop halts playback; Release frees the underlying OS resources
// (decoders, surfaces, file handles). After Release the instance is dead.
type Player interface {
	Stop() error
	Release() error
}

// Pool is a bounded registry of live players keyed by media URL.
//
// Invariants: a URL maps to at most one live instance, and the pool never
// holds more than maxSize instances after a registration completes. All
// mutation happens under one lock so register, evict, and unregister are
// atomic with respect to each other.
type Pool struct {
	mu      sync.Mutex
	maxSize int
	order   []string // registration order, oldest first
	players map[string]Player
	log     *zap.Logger
	metrics *metrics.Collector
}

// New creates a pool bounded to maxSize live instances.
func New(maxSize int, log *zap.Logger, collector *metrics.Collector) (*Pool, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("playerpool: max size must be positive")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		maxSize: maxSize,
		players: make(map[string]Player),
		log:     log.With(zap.String("component", "playerpool")),
		metrics: collector,
	}, nil
}

// Register stores a live player under key.
//
// If key already has an instance, the old one is stopped and released before
// the new one is stored (replace, never leak), keeping its position in the
// registration order. If the pool is full and key is new, the oldest
// registered instance is evicted first.
func (p *Pool) Register(key string, player Player) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.players[key]; ok {
		p.releasePlayer(key, existing)
		p.players[key] = player
		return
	}

	if len(p.players) >= p.maxSize {
		p.evictOldestLocked(key)
	}

	p.players[key] = player
	p.order = append(p.order, key)
}

// Unregister stops, releases, and removes the instance for key. No-op when
// the key is not registered.
func (p *Pool) Unregister(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	player, ok := p.players[key]
	if !ok {
		return
	}
	p.releasePlayer(key, player)
	delete(p.players, key)
	p.removeFromOrderLocked(key)
}

// Get returns the live instance for key, if any.
func (p *Pool) Get(key string) (Player, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	player, ok := p.players[key]
	return player, ok
}

// Len returns the number of live instances.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.players)
}

// Keys returns the registered keys in registration order, oldest first.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, len(p.order))
	copy(keys, p.order)
	return keys
}

// ReleaseAll stops and releases every instance and clears the pool. Used on
// process teardown and on low-memory signals.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, player := range p.players {
		p.releasePlayer(key, player)
	}
	p.players = make(map[string]Player)
	p.order = p.order[:0]
}

// evictOldestLocked evicts the oldest registered key that is not the
// incoming key.
func (p *Pool) evictOldestLocked(incoming string) {
	for i, key := range p.order {
		if key == incoming {
			continue
		}
		player, ok := p.players[key]
		if ok {
			p.releasePlayer(key, player)
			delete(p.players, key)
		}
		p.order = append(p.order[:i], p.order[i+1:]...)
		p.metrics.RecordEvictions(metrics.CachePlayer, 1)
		return
	}
}

func (p *Pool) removeFromOrderLocked(key string) {
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// releasePlayer stops and releases one instance. Failures (including panics
// from a misbehaving engine) are logged per-instance and contained so that
// one bad instance cannot block release of the others.
func (p *Pool) releasePlayer(key string, player Player) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("player release panicked",
				zap.String("key", key), zap.Any("panic", r))
			p.metrics.RecordMaintenanceFailure(metrics.CachePlayer, "release")
		}
	}()

	if err := player.Stop(); err != nil {
		p.log.Warn("player stop failed", zap.String("key", key), zap.Error(err))
		p.metrics.RecordMaintenanceFailure(metrics.CachePlayer, "stop")
	}
	if err := player.Release(); err != nil {
		p.log.Warn("player release failed", zap.String("key", key), zap.Error(err))
		p.metrics.RecordMaintenanceFailure(metrics.CachePlayer, "release")
	}
}

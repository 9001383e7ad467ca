// Package janitor runs scheduled cache maintenance.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/clipcache/clipcache/internal/catalog"
	"github.com/clipcache/clipcache/internal/filecache"
	"github.com/clipcache/clipcache/internal/ledger"
	"github.com/clipcache/clipcache/internal/metrics"
)

// Janitor sweeps aged entries out of the durable caches on a cron schedule.
// Every sweep failure is logged and absorbed; maintenance never takes the
// application down.
type Janitor struct {
	cron       *cron.Cron
	files      *filecache.Cache
	ledger     *ledger.Store
	catalog    *catalog.Cache
	fileMaxAge time.Duration
	ledgerAge  time.Duration
	log        *zap.Logger
	metrics    *metrics.Collector
}

// New creates a janitor over the given caches. Nil caches are skipped.
func New(files *filecache.Cache, led *ledger.Store, cat *catalog.Cache,
	fileMaxAge, ledgerMaxAge time.Duration, log *zap.Logger, collector *metrics.Collector) *Janitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Janitor{
		cron:       cron.New(),
		files:      files,
		ledger:     led,
		catalog:    cat,
		fileMaxAge: fileMaxAge,
		ledgerAge:  ledgerMaxAge,
		log:        log.With(zap.String("component", "janitor")),
		metrics:    collector,
	}
}

// Start registers the sweep on the given cron schedule and begins running it.
func (j *Janitor) Start(schedule string) error {
	if _, err := j.cron.AddFunc(schedule, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info("maintenance scheduled", zap.String("schedule", schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one maintenance pass immediately. Also invoked from the CLI.
func (j *Janitor) Sweep() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if j.files != nil && j.fileMaxAge > 0 {
		removed := j.files.EvictOlderThan(time.Now().Add(-j.fileMaxAge))
		if removed > 0 {
			j.log.Info("evicted aged files", zap.Int("count", removed))
		}
	}

	if j.ledger != nil && j.ledgerAge > 0 {
		purged, err := j.ledger.PurgeOlderThan(ctx, time.Now().Add(-j.ledgerAge))
		if err != nil {
			j.log.Warn("ledger purge failed", zap.Error(err))
			j.metrics.RecordMaintenanceFailure(metrics.CacheLedger, "purge")
		} else if purged > 0 {
			j.log.Info("purged aged ledger rows", zap.Int64("count", purged))
		}
	}

	if j.catalog != nil {
		if err := j.catalog.SweepExpired(ctx); err != nil {
			j.log.Warn("catalog sweep failed", zap.Error(err))
			j.metrics.RecordMaintenanceFailure(metrics.CacheCatalog, "sweep")
		}
	}

	j.log.Debug("maintenance pass complete", zap.Duration("elapsed", time.Since(start)))
}

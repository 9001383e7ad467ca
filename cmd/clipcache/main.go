package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/clipcache/clipcache/internal/catalog"
	"github.com/clipcache/clipcache/internal/chunkcache"
	"github.com/clipcache/clipcache/internal/config"
	"github.com/clipcache/clipcache/internal/filecache"
	"github.com/clipcache/clipcache/internal/janitor"
	"github.com/clipcache/clipcache/internal/ledger"
	"github.com/clipcache/clipcache/internal/logger"
	"github.com/clipcache/clipcache/internal/metrics"
	"github.com/clipcache/clipcache/internal/orchestrator"
	"github.com/clipcache/clipcache/internal/sqlitedb"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load env config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Global.Development)
	defer logger.Sync()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch flag.Arg(0) {
	case "stats":
		err = runStats(ctx, cfg)
	case "save":
		err = runSave(ctx, cfg, log, flag.Arg(1))
	case "purge":
		err = runPurge(ctx, cfg, log)
	case "janitor":
		err = runJanitor(ctx, cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("command failed", zap.String("command", flag.Arg(0)), zap.Error(err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: clipcache [-config file] <command>

Commands:
  stats          print cache sizes and ledger summary
  save <url>     download a video for offline playback
  purge          clear every cache layer
  janitor        run scheduled cache maintenance until interrupted
`)
}

func openCaches(cfg *config.Configuration, log *zap.Logger, collector *metrics.Collector) (*filecache.Cache, *ledger.Store, *catalog.Cache, func(), error) {
	files, err := filecache.New(&filecache.Config{
		Directory:       cfg.FileCache.Directory,
		MinValidBytes:   cfg.FileCache.MinValidBytes,
		DownloadTimeout: cfg.FileCache.DownloadTimeout,
		RetryAttempts:   cfg.FileCache.RetryAttempts,
	}, nil, log, collector)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	db, err := sqlitedb.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	closeDB := func() { _ = db.Close() }

	led, err := ledger.New(db, log)
	if err != nil {
		closeDB()
		return nil, nil, nil, nil, err
	}
	cat, err := catalog.NewCache(db, cfg.Catalog.Validity, log, collector)
	if err != nil {
		closeDB()
		return nil, nil, nil, nil, err
	}
	return files, led, cat, closeDB, nil
}

func runStats(ctx context.Context, cfg *config.Configuration) error {
	files, led, _, closeDB, err := openCaches(cfg, logger.L(), nil)
	if err != nil {
		return err
	}
	defer closeDB()

	chunks, err := chunkcache.Open(&chunkcache.Config{
		Directory: cfg.ChunkCache.Directory,
		MaxBytes:  cfg.ChunkCache.MaxBytes,
	}, logger.L(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = chunks.Close() }()

	records, err := led.All(ctx)
	if err != nil {
		return err
	}
	saved := 0
	for _, rec := range records {
		if rec.IsCached {
			saved++
		}
	}

	chunkStats := chunks.Stats()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "chunk cache\t%d entries\t%d / %d bytes\n",
		chunkStats.Entries, chunkStats.Size, chunkStats.Capacity)
	fmt.Fprintf(w, "file cache\t%d bytes\n", files.TotalSize())
	fmt.Fprintf(w, "ledger\t%d videos\t%d saved offline\n", len(records), saved)
	return w.Flush()
}

func runSave(ctx context.Context, cfg *config.Configuration, log *zap.Logger, url string) error {
	if url == "" {
		return fmt.Errorf("save: URL is required")
	}
	files, led, _, closeDB, err := openCaches(cfg, log, nil)
	if err != nil {
		return err
	}
	defer closeDB()

	orch := orchestrator.New(files, nil, led, cfg.Saver, log, nil)

	if err := orch.SaveOffline(url, func(done, total int64) {
		if total > 0 {
			fmt.Fprintf(os.Stderr, "\r%d / %d bytes", done, total)
		}
	}); err != nil {
		return err
	}
	// Close drains the queue, so the download finishes before we return.
	orch.Close()
	fmt.Fprintln(os.Stderr)

	if path, ok := files.CachedPathForURL(url); ok {
		fmt.Println(path)
		return nil
	}
	return fmt.Errorf("save: download did not complete")
}

func runPurge(ctx context.Context, cfg *config.Configuration, log *zap.Logger) error {
	files, led, cat, closeDB, err := openCaches(cfg, log, nil)
	if err != nil {
		return err
	}
	defer closeDB()

	chunks, err := chunkcache.Open(&chunkcache.Config{
		Directory: cfg.ChunkCache.Directory,
		MaxBytes:  cfg.ChunkCache.MaxBytes,
	}, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = chunks.Close() }()

	chunks.Clear()
	files.Clear()
	if err := cat.Invalidate(ctx); err != nil {
		return err
	}
	if _, err := led.PurgeOlderThan(ctx, time.Now().Add(time.Second)); err != nil {
		return err
	}
	log.Info("caches purged")
	return nil
}

func runJanitor(ctx context.Context, cfg *config.Configuration, log *zap.Logger) error {
	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Monitoring.Metrics.Port,
		Path:      cfg.Monitoring.Metrics.Path,
		Namespace: cfg.Monitoring.Metrics.Namespace,
	})
	if err != nil {
		return err
	}
	if collector != nil {
		go func() {
			if err := collector.Serve(); err != nil {
				log.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
		defer func() { _ = collector.Close() }()
	}

	files, led, cat, closeDB, err := openCaches(cfg, log, collector)
	if err != nil {
		return err
	}
	defer closeDB()

	j := janitor.New(files, led, cat, cfg.FileCache.MaxAge, cfg.Ledger.MaxAge, log, collector)
	if !cfg.Janitor.Enabled {
		j.Sweep()
		return nil
	}
	if err := j.Start(cfg.Janitor.Schedule); err != nil {
		return err
	}
	defer j.Stop()

	log.Info("janitor running", zap.String("schedule", cfg.Janitor.Schedule))
	<-ctx.Done()
	return nil
}

// Command mediasort watches directories for finished video files, identifies
// them, enriches them with canonical metadata and links them into a
// structured media library.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mediasort/mediasort/internal/config"
	"github.com/mediasort/mediasort/internal/health"
	"github.com/mediasort/mediasort/internal/identify"
	"github.com/mediasort/mediasort/internal/library"
	xlog "github.com/mediasort/mediasort/internal/log"
	"github.com/mediasort/mediasort/internal/metrics"
	"github.com/mediasort/mediasort/internal/pipeline"
	"github.com/mediasort/mediasort/internal/resilience"
	"github.com/mediasort/mediasort/internal/scanner"
	"github.com/mediasort/mediasort/internal/store"
	"github.com/mediasort/mediasort/internal/tmdb"
	"github.com/mediasort/mediasort/internal/watcher"
)

// version is injected at build time via -ldflags.
var version = "dev"

// stringSlice collects repeated flag values.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }

func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "config.ini", "path to the configuration file")
		dir         = flag.String("dir", "", "process every video file under this directory, then exit")
		verbose     = flag.Bool("verbose", false, "force debug logging")
		testMode    = flag.Bool("test", false, "with --file or --dir: show planned targets without linking")
		showVersion = flag.Bool("version", false, "print version and exit")
		files       stringSlice
	)
	flag.Var(&files, "file", "process this video file, then exit (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mediasort %s\n", version)
		return 0
	}
	if len(files) > 0 && *dir != "" {
		fmt.Fprintln(os.Stderr, "--file and --dir are mutually exclusive")
		return 1
	}
	if *testMode && len(files) == 0 && *dir == "" {
		fmt.Fprintln(os.Stderr, "--test requires --file or --dir")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	xlog.Configure(xlog.Config{Level: level, Service: "mediasort", Version: version})
	logger := xlog.Base()

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("configuration is not usable")
		return 1
	}

	redacted := logger.Info().Str("event", "startup")
	for k, v := range cfg.Redacted() {
		redacted = redacted.Str(k, v)
	}
	redacted.Msg("configuration loaded")

	holder := config.NewHolder(cfg, *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cacheDB, err := store.Open(cfg.CacheDB, store.DefaultPoolConfig())
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.CacheDB).Msg("cannot open cache database")
		return 1
	}
	defer cacheDB.Close()

	ledgerDB, err := store.Open(cfg.LedgerDB, store.DefaultPoolConfig())
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.LedgerDB).Msg("cannot open ledger database")
		return 1
	}
	defer ledgerDB.Close()

	cache, err := store.NewCache(cacheDB)
	if err != nil {
		logger.Error().Err(err).Msg("cache init failed")
		return 1
	}
	ledger, err := store.NewLedger(ledgerDB)
	if err != nil {
		logger.Error().Err(err).Msg("ledger init failed")
		return 1
	}

	// Warm-up reads double as a schema sanity check before any worker starts.
	if n, err := ledger.Count(); err == nil {
		logger.Info().Int64("processed_files", n).Msg("ledger ready")
	}
	if s, err := cache.Stats(); err == nil {
		logger.Info().Int64("entries", s.Total).Msg("metadata cache ready")
	}

	tmdbClient, err := tmdb.NewClient(cfg.TMDBAPIKey, cfg.TMDBProxy, cache)
	if err != nil {
		logger.Error().Err(err).Msg("tmdb client init failed")
		return 1
	}
	identifier := identify.NewClient(holder.Get)

	publisher, err := library.NewPublisher(cfg.LibraryPath, cfg.AnimeDirectory, cfg.LinkMethod)
	if err != nil {
		logger.Error().Err(err).Msg("library init failed")
		return 1
	}

	prober := health.NewProber(0,
		health.DatabaseProbe{Label: "ledger", DB: ledgerDB},
		health.DatabaseProbe{Label: "cache", DB: cacheDB},
		health.FilesystemProbe{MonitorDirs: cfg.MonitorDirectories, LibraryPath: cfg.LibraryPath},
		health.SystemResourcesProbe{LibraryPath: cfg.LibraryPath},
		health.APIConfigProbe{Cfg: holder.Get, Ping: tmdbClient.Ping},
	)

	org := pipeline.New(pipeline.Deps{
		Config:      holder,
		Ledger:      ledger,
		Cache:       cache,
		Identifier:  identifier,
		Enricher:    tmdbClient,
		Publisher:   publisher,
		Scanner:     scanner.New(cfg.IgnorePatterns, 0),
		AIBreaker:   resilience.NewCircuitBreaker("ai", 3, 5*time.Minute),
		TMDBBreaker: resilience.NewCircuitBreaker("tmdb", 5, 5*time.Minute),
		Health:      prober,
	})

	if len(files) > 0 || *dir != "" {
		failures := 0
		for _, path := range files {
			if err := org.ProcessFile(ctx, path, *testMode); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				failures++
			}
		}
		if *dir != "" {
			if err := org.ProcessDir(ctx, *dir, *testMode); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				failures++
			}
		}
		if failures > 0 {
			return 1
		}
		return 0
	}

	w, err := watcher.New(cfg.MonitorDirectories, cfg.WatchEvents, org.WatchHandler())
	if err != nil {
		logger.Error().Err(err).Msg("watcher init failed")
		return 1
	}

	if cfg.MetricsListen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsListen); err != nil {
				logger.Error().Err(err).Str("addr", cfg.MetricsListen).Msg("metrics listener failed")
			}
		}()
	}

	prober.Start(ctx)
	if err := w.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("watcher start failed")
		return 1
	}

	logger.Info().Str("event", "monitor.started").Strs("directories", cfg.MonitorDirectories).
		Msg("monitoring for new media files")

	org.Run(ctx)

	// Shutdown order: stop producing events, stop probing, drain workers.
	logger.Info().Str("event", "monitor.stopping").Msg("shutting down")
	w.Stop()
	prober.Stop()
	org.Stop()
	logger.Info().Str("event", "monitor.stopped").Msg("shutdown complete")
	return 0
}

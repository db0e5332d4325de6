// Package pipeline admits detected video files and drives them through
// stability checking, fingerprinting, identification, metadata enrichment and
// publication into the library.
package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mediasort/mediasort/internal/config"
	"github.com/mediasort/mediasort/internal/fingerprint"
	"github.com/mediasort/mediasort/internal/health"
	"github.com/mediasort/mediasort/internal/identify"
	"github.com/mediasort/mediasort/internal/library"
	xlog "github.com/mediasort/mediasort/internal/log"
	"github.com/mediasort/mediasort/internal/metrics"
	"github.com/mediasort/mediasort/internal/resilience"
	"github.com/mediasort/mediasort/internal/scanner"
	"github.com/mediasort/mediasort/internal/store"
	"github.com/mediasort/mediasort/internal/tmdb"
	"github.com/mediasort/mediasort/internal/watcher"
	"github.com/rs/zerolog"
)

const (
	queueCapacity = 1024

	// Scan-origin files yield briefly so files arriving live via the
	// watcher are served first.
	lowPriorityYield = 2 * time.Second

	stabilityInitialDelay = 2 * time.Second
	stabilityMaxDelay     = 5 * time.Second
	stableReadsRequired   = 3

	reloadCheckInterval = 30 * time.Second
	cachePurgeInterval  = 24 * time.Hour
	healthLogInterval   = 2 * time.Minute
)

// Descriptor carries one file through the pipeline stages.
type Descriptor struct {
	Path       string
	Size       int64
	Origin     string // "scan", "watch" or "manual"
	Digest     string
	DetectedAt time.Time
}

// Deps are the organizer's collaborators, injected so tests can substitute
// fakes for the network-facing pieces.
type Deps struct {
	Config      *config.Holder
	Ledger      *store.Ledger
	Cache       *store.Cache
	Identifier  identify.Identifier
	Enricher    tmdb.Enricher
	Publisher   *library.Publisher
	Scanner     *scanner.Scanner
	AIBreaker   *resilience.CircuitBreaker
	TMDBBreaker *resilience.CircuitBreaker
	Health      *health.Prober
}

// Organizer owns the worker pools and queues of the ingestion pipeline.
type Organizer struct {
	deps    Deps
	pending *PendingRegistry
	stats   *Stats

	rawQueue           chan Descriptor
	stableQueue        chan Descriptor
	fingerprintedQueue chan Descriptor

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New builds an organizer from its dependencies.
func New(deps Deps) *Organizer {
	cfg := deps.Config.Get()
	return &Organizer{
		deps:               deps,
		pending:            NewPendingRegistry(cfg.MaxPendingFiles, nil),
		stats:              NewStats(),
		rawQueue:           make(chan Descriptor, queueCapacity),
		stableQueue:        make(chan Descriptor, queueCapacity),
		fingerprintedQueue: make(chan Descriptor, queueCapacity),
		logger:             xlog.WithComponent("pipeline"),
	}
}

// Stats exposes the counter set, mainly for the status loop and tests.
func (o *Organizer) Stats() *Stats { return o.stats }

// Admit offers a detected path to the pipeline. Non-video files, ignored
// names, in-flight paths and already-published paths are dropped here, before
// any queue slot is consumed.
func (o *Organizer) Admit(path, origin string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		o.logger.Warn().Err(err).Str("path", path).Msg("cannot canonicalize path")
		return
	}
	abs = filepath.Clean(abs)

	if !scanner.IsVideo(abs) || o.deps.Scanner.Ignored(abs) {
		return
	}
	if info, err := os.Stat(abs); err != nil || !info.Mode().IsRegular() {
		return
	}

	if !o.pending.TryAdd(abs) {
		o.stats.Duplicate()
		metrics.RecordOutcome("duplicate")
		return
	}

	processed, err := o.deps.Ledger.IsProcessed(abs, "", false)
	if err != nil {
		o.logger.Error().Err(err).Str("path", abs).Msg("ledger lookup failed")
		o.pending.Remove(abs)
		return
	}
	if processed {
		o.stats.Processed()
		metrics.RecordOutcome("processed")
		o.pending.Remove(abs)
		return
	}

	d := Descriptor{Path: abs, Origin: origin, DetectedAt: time.Now()}
	select {
	case o.rawQueue <- d:
		o.stats.Detected()
		metrics.RecordOutcome("detected")
		metrics.QueueDepth.WithLabelValues("raw").Set(float64(len(o.rawQueue)))
	default:
		o.logger.Warn().Str("path", abs).Msg("raw queue full, dropping file")
		o.pending.Remove(abs)
	}
}

// Run starts the workers and the control loop, blocking until ctx ends.
func (o *Organizer) Run(ctx context.Context) {
	cfg := o.deps.Config.Get()

	for i := 0; i < cfg.StabilityWorkerThreads; i++ {
		o.wg.Add(1)
		go o.stabilityWorker(ctx)
	}
	for i := 0; i < cfg.HashWorkerThreads; i++ {
		o.wg.Add(1)
		go o.hashWorker(ctx)
	}
	for i := 0; i < cfg.WorkerThreads; i++ {
		o.wg.Add(1)
		go o.processWorker(ctx)
	}

	o.logger.Info().
		Int("stability_workers", cfg.StabilityWorkerThreads).
		Int("hash_workers", cfg.HashWorkerThreads).
		Int("process_workers", cfg.WorkerThreads).
		Str("event", "pipeline.started").
		Msg("pipeline running")

	if cfg.InitialScan {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.deps.Scanner.WalkAll(ctx, cfg.MonitorDirectories, func(c scanner.Candidate) {
				o.Admit(c.Path, "scan")
			})
		}()
	}

	o.controlLoop(ctx)
}

// Stop waits up to 5 seconds for the workers to drain after ctx cancellation.
func (o *Organizer) Stop() {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info().Str("event", "pipeline.stopped").Msg("all workers stopped")
	case <-time.After(5 * time.Second):
		o.logger.Warn().Msg("workers did not stop within 5s")
	}
}

func (o *Organizer) stabilityWorker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-o.rawQueue:
			metrics.QueueDepth.WithLabelValues("raw").Set(float64(len(o.rawQueue)))
			o.checkStability(ctx, d)
		}
	}
}

func (o *Organizer) checkStability(ctx context.Context, d Descriptor) {
	cfg := o.deps.Config.Get()

	size, ok := o.waitStable(ctx, d.Path, cfg.FileStableDelay, cfg.MaxFileWait)
	if !ok {
		if ctx.Err() == nil {
			o.logger.Warn().Str("path", d.Path).Str("event", "pipeline.unstable").
				Msg("file never stabilized")
			o.stats.Unstable()
			metrics.RecordOutcome("unstable")
		}
		o.pending.Remove(d.Path)
		return
	}
	d.Size = size

	// The size floor applies to the final size, so a file still being
	// written is not rejected on an early small read.
	if size < cfg.IgnoreFileSize {
		o.logger.Debug().Str("path", d.Path).Str("size", humanize.IBytes(uint64(size))).
			Msg("below size floor, dropping")
		o.stats.Unstable()
		metrics.RecordOutcome("unstable")
		o.pending.Remove(d.Path)
		return
	}
	o.stats.Stable()
	metrics.RecordOutcome("stable")

	next := o.fingerprintedQueue
	queue := "fingerprinted"
	if cfg.UseDigest {
		next = o.stableQueue
		queue = "stable"
	}
	select {
	case next <- d:
		metrics.QueueDepth.WithLabelValues(queue).Set(float64(len(next)))
	case <-ctx.Done():
		o.pending.Remove(d.Path)
	}
}

// waitStable polls the file size until it holds steady for three consecutive
// reads and the file can be opened for reading. The poll interval backs off
// from 2s up to maxDelay; maxWait bounds the whole wait.
func (o *Organizer) waitStable(ctx context.Context, path string, maxDelay, maxWait time.Duration) (int64, bool) {
	if maxDelay <= 0 {
		maxDelay = stabilityMaxDelay
	}
	deadline := time.Now().Add(maxWait)
	delay := stabilityInitialDelay
	if delay > maxDelay {
		delay = maxDelay
	}
	var lastSize int64 = -1
	stableReads := 0

	for {
		info, err := os.Stat(path)
		if err != nil {
			// Deleted or moved away while we were waiting.
			return 0, false
		}

		if info.Size() == lastSize && info.Size() > 0 {
			stableReads++
		} else {
			stableReads = 1
			lastSize = info.Size()
		}

		if stableReads >= stableReadsRequired && canOpen(path) {
			return lastSize, true
		}

		if time.Now().Add(delay).After(deadline) {
			return 0, false
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}

// canOpen proves the writer released the file by reading one byte.
func canOpen(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 1)
	_, err = f.Read(buf)
	return err == nil
}

func (o *Organizer) hashWorker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-o.stableQueue:
			metrics.QueueDepth.WithLabelValues("stable").Set(float64(len(o.stableQueue)))
			o.computeDigest(ctx, d)
		}
	}
}

func (o *Organizer) computeDigest(ctx context.Context, d Descriptor) {
	digest, err := fingerprint.Sum(d.Path)
	if err != nil {
		o.logger.Error().Err(err).Str("path", d.Path).Msg("fingerprint failed")
		o.stats.Failed()
		metrics.RecordOutcome("failed")
		o.pending.Remove(d.Path)
		return
	}
	d.Digest = digest
	o.stats.Hashed()
	metrics.RecordOutcome("hashed")

	// Second dedup pass, now with content identity. Catches a ledger entry
	// for this path recorded while the file sat in the queues.
	processed, err := o.deps.Ledger.IsProcessed(d.Path, digest, true)
	if err != nil {
		o.logger.Error().Err(err).Str("path", d.Path).Msg("ledger lookup failed")
	} else if processed {
		o.stats.Processed()
		metrics.RecordOutcome("processed")
		o.pending.Remove(d.Path)
		return
	}

	select {
	case o.fingerprintedQueue <- d:
		metrics.QueueDepth.WithLabelValues("fingerprinted").Set(float64(len(o.fingerprintedQueue)))
	case <-ctx.Done():
		o.pending.Remove(d.Path)
	}
}

func (o *Organizer) processWorker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-o.fingerprintedQueue:
			metrics.QueueDepth.WithLabelValues("fingerprinted").Set(float64(len(o.fingerprintedQueue)))
			o.processOne(ctx, d)
		}
	}
}

func (o *Organizer) processOne(ctx context.Context, d Descriptor) {
	defer o.pending.Remove(d.Path)
	start := time.Now()

	if d.Origin == "scan" {
		select {
		case <-ctx.Done():
			return
		case <-time.After(lowPriorityYield):
		}
	}

	ident, err := o.identifyFile(ctx, d)
	if err != nil {
		o.fail(d, "identification failed", err)
		return
	}
	if ident == nil {
		o.logger.Warn().Str("path", d.Path).Str("event", "pipeline.unidentifiable").
			Msg("file name could not be identified, skipping")
		o.stats.Skipped()
		metrics.RecordOutcome("skipped")
		return
	}

	meta, err := o.enrich(ctx, ident)
	if err != nil {
		o.fail(d, "metadata lookup failed", err)
		return
	}
	if meta == nil {
		o.logger.Info().Str("path", d.Path).Str("title", ident.Title).
			Str("event", "pipeline.no_match").Msg("no metadata match, skipping")
		o.stats.Skipped()
		metrics.RecordOutcome("skipped")
		return
	}

	target, err := o.deps.Publisher.Publish(library.Item{
		SourcePath:  d.Path,
		Meta:        *meta,
		Season:      ident.Season,
		Episode:     ident.Episode,
		IsAnimation: meta.IsAnimation(),
	})
	if err != nil {
		o.fail(d, "publish failed", err)
		return
	}

	if err := o.deps.Ledger.Add(store.Entry{
		Path:       d.Path,
		Digest:     d.Digest,
		Size:       d.Size,
		ExternalID: meta.ID,
		MediaKind:  meta.Kind,
		TargetPath: target,
	}); err != nil {
		// Published but not recorded; the file will be deduped by the
		// existing-target check on the next pass.
		o.logger.Error().Err(err).Str("path", d.Path).Msg("ledger write failed")
	}

	elapsed := time.Since(start)
	o.stats.Succeeded(elapsed)
	metrics.RecordOutcome("succeeded")
	metrics.ProcessingSeconds.Observe(elapsed.Seconds())
	o.logger.Info().Str("event", "pipeline.processed").
		Str("path", d.Path).Str("target", target).
		Str("title", meta.Title).Str("kind", meta.Kind).
		Str("size", humanize.IBytes(uint64(d.Size))).
		Dur("elapsed", elapsed).
		Msg("file organized")
}

func (o *Organizer) fail(d Descriptor, msg string, err error) {
	o.logger.Error().Err(err).Str("path", d.Path).Str("event", "pipeline.failed").Msg(msg)
	o.stats.Failed()
	metrics.RecordOutcome("failed")
}

func retryPolicy() resilience.Policy {
	p := resilience.DefaultPolicy()
	p.IsRetryable = func(err error) bool {
		return !errors.Is(err, resilience.ErrCircuitOpen) &&
			!errors.Is(err, tmdb.ErrUnauthorized)
	}
	return p
}

func (o *Organizer) identifyFile(ctx context.Context, d Descriptor) (*identify.Identification, error) {
	var ident *identify.Identification
	err := resilience.Do(ctx, retryPolicy(), func() error {
		return o.deps.AIBreaker.Execute(func() error {
			var err error
			ident, err = o.deps.Identifier.Identify(ctx, filepath.Base(d.Path))
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return ident, nil
}

func (o *Organizer) enrich(ctx context.Context, ident *identify.Identification) (*tmdb.Metadata, error) {
	var meta *tmdb.Metadata
	err := resilience.Do(ctx, retryPolicy(), func() error {
		return o.deps.TMDBBreaker.Execute(func() error {
			var err error
			if ident.Kind == "movie" {
				meta, err = o.deps.Enricher.SearchMovie(ctx, ident.Title, ident.Year)
			} else {
				meta, err = o.deps.Enricher.SearchTV(ctx, ident.Title)
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// controlLoop owns the periodic housekeeping: config reload, cache expiry,
// status summaries and health reporting.
func (o *Organizer) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	now := time.Now()
	lastReload := now
	lastPurge := now
	lastStatus := now
	lastHealth := now

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now = time.Now()
		cfg := o.deps.Config.Get()

		if cfg.AutoReload && now.Sub(lastReload) >= reloadCheckInterval {
			lastReload = now
			if o.deps.Config.Stale() {
				if err := o.deps.Config.Reload(); err == nil {
					o.applyConfig(o.deps.Config.Get())
				}
			}
		}

		if now.Sub(lastPurge) >= cachePurgeInterval {
			lastPurge = now
			o.purgeExpired(cfg)
		}

		statusInterval := cfg.PerfMonitorInterval
		if statusInterval <= 0 {
			statusInterval = time.Minute
		}
		if now.Sub(lastStatus) >= statusInterval {
			lastStatus = now
			o.logStatus()
		}

		if o.deps.Health != nil && now.Sub(lastHealth) >= healthLogInterval {
			lastHealth = now
			if unhealthy := o.deps.Health.Unhealthy(); len(unhealthy) > 0 {
				o.logger.Warn().Strs("failing", unhealthy).Str("event", "pipeline.degraded").
					Msg("running with failing health probes")
			}
		}
	}
}

// applyConfig pushes hot-reloadable settings into the running components.
func (o *Organizer) applyConfig(cfg config.Config) {
	xlog.SetLevel(cfg.LogLevel)
	o.deps.Publisher.SetMethod(cfg.LinkMethod)
}

func (o *Organizer) purgeExpired(cfg config.Config) {
	n, err := o.deps.Cache.PurgeExpired(cfg.CacheExpireDays)
	if err != nil {
		o.logger.Error().Err(err).Msg("cache purge failed")
		return
	}
	if n > 0 {
		o.logger.Info().Int64("removed", n).Str("event", "cache.purged").
			Msg("expired cache entries removed")
	}
}

func (o *Organizer) logStatus() {
	snap := o.stats.Snapshot()
	o.logger.Info().Str("event", "pipeline.status").
		Int64("detected", snap.Detected).
		Int64("succeeded", snap.Succeeded).
		Int64("failed", snap.Failed).
		Int64("skipped", snap.Skipped).
		Int64("duplicates", snap.Duplicates).
		Int64("already_processed", snap.Processed).
		Int64("stable", snap.Stable).
		Int64("unstable", snap.Unstable).
		Int64("hashed", snap.Hashed).
		Int("pending", o.pending.Len()).
		Int("raw_queue", len(o.rawQueue)).
		Int("stable_queue", len(o.stableQueue)).
		Int("fingerprinted_queue", len(o.fingerprintedQueue)).
		Str("avg_processing", snap.AvgDuration.Round(time.Millisecond).String()).
		Str("uptime", snap.Uptime.Round(time.Second).String()).
		Msg("status summary")
}

// WatchHandler adapts the organizer for the filesystem watcher.
func (o *Organizer) WatchHandler() watcher.Handler {
	return func(path string) { o.Admit(path, "watch") }
}

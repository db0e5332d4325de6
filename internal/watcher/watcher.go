// Package watcher delivers filesystem events for monitored directory trees.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	xlog "github.com/mediasort/mediasort/internal/log"
	"github.com/mediasort/mediasort/internal/scanner"
	"github.com/rs/zerolog"
)

// Handler receives the path of a newly appeared video file.
type Handler func(path string)

// Watcher wraps fsnotify with recursive registration. New subdirectories are
// watched as they appear.
type Watcher struct {
	fsw     *fsnotify.Watcher
	roots   []string
	ops     fsnotify.Op
	handler Handler
	logger  zerolog.Logger

	mu      sync.Mutex
	watched map[string]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher over the given roots reacting to the configured
// event kinds ("created", "moved").
func New(roots []string, events []string, handler Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	return &Watcher{
		fsw:     fsw,
		roots:   roots,
		ops:     eventMask(events),
		handler: handler,
		logger:  xlog.WithComponent("watcher"),
		watched: make(map[string]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// eventMask translates configured event names into fsnotify operations. A
// file moved into a watched tree is delivered as a create at its new path, so
// "moved" implies Create alongside Rename. An empty or unknown list falls
// back to Create.
func eventMask(events []string) fsnotify.Op {
	var ops fsnotify.Op
	for _, name := range events {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "created":
			ops |= fsnotify.Create
		case "moved":
			ops |= fsnotify.Create | fsnotify.Rename
		}
	}
	if ops == 0 {
		ops = fsnotify.Create
	}
	return ops
}

// Start registers all root trees and begins dispatching events until ctx ends
// or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	for _, root := range w.roots {
		if err := w.addTree(root); err != nil {
			w.logger.Error().Err(err).Str("root", root).Msg("failed to watch directory tree")
		}
	}
	w.logger.Info().Int("directories", w.watchedCount()).Str("event", "watcher.started").
		Msg("filesystem watcher running")

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop shuts the watcher down and waits for the dispatch loop to exit.
func (w *Watcher) Stop() {
	close(w.done)
	_ = w.fsw.Close()
	w.wg.Wait()
}

func (w *Watcher) watchedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// addTree walks root and registers every directory. Symlinked directories are
// skipped to avoid cycles.
func (w *Watcher) addTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("watch walk error")
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		return w.addDir(path)
	})
}

func (w *Watcher) addDir(path string) error {
	w.mu.Lock()
	if _, ok := w.watched[path]; ok {
		w.mu.Unlock()
		return nil
	}
	w.watched[path] = struct{}{}
	w.mu.Unlock()

	if err := w.fsw.Add(path); err != nil {
		w.mu.Lock()
		delete(w.watched, path)
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", path, err)
	}
	w.logger.Debug().Str("dir", path).Msg("watching directory")
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// handleEvent reacts to the configured event kinds. Rename events name the
// old path, which no longer exists by the time we stat it.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&w.ops == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		// Gone already, likely a transient temp file.
		return
	}

	if info.IsDir() {
		// New subtree: register it and hand over any files that landed
		// before the watch was in place.
		if err := w.addTree(event.Name); err != nil {
			w.logger.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch new directory")
		}
		_ = filepath.Walk(event.Name, func(path string, fi os.FileInfo, err error) error {
			if err != nil || fi.IsDir() {
				return nil
			}
			if scanner.IsVideo(path) {
				w.handler(path)
			}
			return nil
		})
		return
	}

	if scanner.IsVideo(event.Name) {
		w.logger.Debug().Str("path", event.Name).Str("event", "watcher.file_detected").
			Msg("new video file")
		w.handler(event.Name)
	}
}

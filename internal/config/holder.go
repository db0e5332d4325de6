package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	xlog "github.com/mediasort/mediasort/internal/log"
	"github.com/rs/zerolog"
)

// Holder provides thread-safe access to the current configuration and
// supports hot reloading. Readers always see a consistent snapshot; a failed
// reload leaves the previous configuration in place.
type Holder struct {
	mu        sync.RWMutex
	current   Config
	path      string
	lastMtime time.Time
	logger    zerolog.Logger
}

// NewHolder wraps an initial configuration loaded from path.
func NewHolder(initial Config, path string) *Holder {
	h := &Holder{
		current: initial,
		path:    path,
		logger:  xlog.WithComponent("config"),
	}
	if info, err := os.Stat(path); err == nil {
		h.lastMtime = info.ModTime()
	}
	return h
}

// Get returns the current configuration snapshot.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Stale reports whether the configuration file changed on disk since the last
// successful load. It records the new mtime so a failed reload is not retried
// on every tick.
func (h *Holder) Stale() bool {
	info, err := os.Stat(h.path)
	if err != nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if info.ModTime().After(h.lastMtime) {
		h.lastMtime = info.ModTime()
		return true
	}
	return false
}

// Reload re-reads and validates the configuration file. On validation failure
// the old configuration is kept and an error is returned.
func (h *Holder) Reload() error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	newCfg, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		h.logger.Error().Err(err).Str("event", "config.validation_failed").Msg("new configuration failed validation")
		return fmt.Errorf("validate config: %w", err)
	}

	h.mu.Lock()
	oldCfg := h.current
	h.current = newCfg
	h.mu.Unlock()

	h.logChanges(oldCfg, newCfg)
	h.logger.Info().Str("event", "config.reload_success").Msg("configuration reloaded")
	return nil
}

// logChanges logs the runtime-relevant differences between old and new
// configuration. Changes to monitored directories require a restart and are
// called out explicitly.
func (h *Holder) logChanges(old, newCfg Config) {
	if old.LogLevel != newCfg.LogLevel {
		h.logger.Info().Str("old", old.LogLevel).Str("new", newCfg.LogLevel).Msg("config changed: log_level")
	}
	if old.LinkMethod != newCfg.LinkMethod {
		h.logger.Info().Str("old", old.LinkMethod).Str("new", newCfg.LinkMethod).Msg("config changed: link_method")
	}
	if old.UseDigest != newCfg.UseDigest {
		h.logger.Info().Bool("old", old.UseDigest).Bool("new", newCfg.UseDigest).Msg("config changed: use_md5")
	}
	if len(old.MonitorDirectories) != len(newCfg.MonitorDirectories) {
		h.logger.Warn().Msg("monitor_directories changed; restart required to take effect")
	}
}

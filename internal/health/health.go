// Package health runs periodic liveness probes over the organizer's
// dependencies and keeps the latest results for the status loop.
package health

import (
	"context"
	"sync"
	"time"

	xlog "github.com/mediasort/mediasort/internal/log"
	"github.com/rs/zerolog"
)

// Status is the outcome of one probe run.
type Status struct {
	Name      string
	Healthy   bool
	Detail    string
	Duration  time.Duration
	CheckedAt time.Time
}

// Probe checks one dependency. Probes must honor ctx and return promptly.
type Probe interface {
	Name() string
	Check(ctx context.Context) Status
}

// Prober runs all probes on an interval and caches the results.
type Prober struct {
	probes   []Probe
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.RWMutex
	results map[string]Status

	done chan struct{}
	wg   sync.WaitGroup
}

// NewProber creates a prober. interval of 0 defaults to 5 minutes.
func NewProber(interval time.Duration, probes ...Probe) *Prober {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Prober{
		probes:   probes,
		interval: interval,
		logger:   xlog.WithComponent("health"),
		results:  make(map[string]Status),
		done:     make(chan struct{}),
	}
}

// Start runs one immediate probe pass, then repeats on the interval until ctx
// ends or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runAll(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-ticker.C:
				p.runAll(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	close(p.done)
	p.wg.Wait()
}

func (p *Prober) runAll(ctx context.Context) {
	for _, probe := range p.probes {
		probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		status := probe.Check(probeCtx)
		cancel()
		status.CheckedAt = time.Now()

		p.mu.Lock()
		p.results[probe.Name()] = status
		p.mu.Unlock()

		if !status.Healthy {
			p.logger.Warn().Str("probe", status.Name).Str("detail", status.Detail).
				Dur("duration", status.Duration).Str("event", "health.unhealthy").
				Msg("probe failed")
		}
	}
}

// Results returns a copy of the latest probe outcomes.
func (p *Prober) Results() map[string]Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Status, len(p.results))
	for k, v := range p.results {
		out[k] = v
	}
	return out
}

// Unhealthy lists the names of currently failing probes.
func (p *Prober) Unhealthy() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var names []string
	for name, status := range p.results {
		if !status.Healthy {
			names = append(names, name)
		}
	}
	return names
}

// IsHealthy reports whether every probe passed its last run.
func (p *Prober) IsHealthy() bool {
	return len(p.Unhealthy()) == 0
}

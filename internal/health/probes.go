package health

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mediasort/mediasort/internal/config"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// DatabaseProbe verifies a database answers a trivial query in time.
type DatabaseProbe struct {
	Label string
	DB    *sql.DB
}

func (p DatabaseProbe) Name() string { return "database:" + p.Label }

func (p DatabaseProbe) Check(ctx context.Context) Status {
	start := time.Now()
	var one int
	err := p.DB.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	elapsed := time.Since(start)
	if err != nil {
		return Status{Name: p.Name(), Healthy: false, Detail: err.Error(), Duration: elapsed}
	}
	return Status{Name: p.Name(), Healthy: true, Duration: elapsed}
}

// FilesystemProbe verifies monitored directories are readable and the library
// root is writable.
type FilesystemProbe struct {
	MonitorDirs []string
	LibraryPath string
}

func (FilesystemProbe) Name() string { return "filesystem" }

func (p FilesystemProbe) Check(ctx context.Context) Status {
	start := time.Now()
	var problems []string

	for _, dir := range p.MonitorDirs {
		if _, err := os.ReadDir(dir); err != nil {
			problems = append(problems, fmt.Sprintf("%s not readable: %v", dir, err))
		}
	}

	// A disposable subdirectory proves real write access, unlike a bare
	// permission-bit check.
	probe := filepath.Join(p.LibraryPath, fmt.Sprintf(".health_%d", time.Now().UnixNano()))
	if err := os.Mkdir(probe, 0o755); err != nil {
		problems = append(problems, fmt.Sprintf("library not writable: %v", err))
	} else {
		_ = os.Remove(probe)
	}

	return Status{
		Name:     p.Name(),
		Healthy:  len(problems) == 0,
		Detail:   strings.Join(problems, "; "),
		Duration: time.Since(start),
	}
}

// SystemResourcesProbe reports CPU, memory and disk pressure. It never turns
// the service unhealthy on its own, the numbers only feed the status log.
type SystemResourcesProbe struct {
	LibraryPath string
}

func (SystemResourcesProbe) Name() string { return "system" }

func (p SystemResourcesProbe) Check(ctx context.Context) Status {
	start := time.Now()
	var parts []string

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		parts = append(parts, fmt.Sprintf("cpu %.1f%%", percents[0]))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		parts = append(parts, fmt.Sprintf("mem %.1f%% of %s", vm.UsedPercent, humanize.IBytes(vm.Total)))
	}
	if usage, err := disk.UsageWithContext(ctx, p.LibraryPath); err == nil {
		parts = append(parts, fmt.Sprintf("disk %.1f%% used, %s free", usage.UsedPercent, humanize.IBytes(usage.Free)))
	}

	return Status{
		Name:     p.Name(),
		Healthy:  true,
		Detail:   strings.Join(parts, ", "),
		Duration: time.Since(start),
	}
}

// APIConfigProbe checks that the external service credentials are present and
// the metadata service answers.
type APIConfigProbe struct {
	Cfg  func() config.Config
	Ping func(ctx context.Context) error
}

func (APIConfigProbe) Name() string { return "api" }

func (p APIConfigProbe) Check(ctx context.Context) Status {
	start := time.Now()
	cfg := p.Cfg()
	var problems []string

	if cfg.TMDBAPIKey == "" || cfg.TMDBAPIKey == config.PlaceholderTMDBKey {
		problems = append(problems, "tmdb_api_key missing")
	} else if p.Ping != nil {
		if err := p.Ping(ctx); err != nil {
			problems = append(problems, fmt.Sprintf("tmdb unreachable: %v", err))
		}
	}
	if cfg.BackendKey() == "" {
		problems = append(problems, fmt.Sprintf("no API key for backend %s", cfg.AIType))
	}

	return Status{
		Name:     p.Name(),
		Healthy:  len(problems) == 0,
		Detail:   strings.Join(problems, "; "),
		Duration: time.Since(start),
	}
}

// Package config loads and validates the INI configuration file and provides
// a thread-safe holder supporting hot reload.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// ErrValidation marks configuration that cannot be used to start the service.
var ErrValidation = errors.New("config validation failed")

// Placeholder API keys written into the generated default file. A key equal to
// its placeholder counts as unconfigured.
const (
	PlaceholderTMDBKey       = "your_tmdb_api_key"
	PlaceholderDeepseekKey   = "your_deepseek_api_key"
	PlaceholderSparkKey      = "your_spark_api_key"
	PlaceholderModelScopeKey = "your_model_scope_api_key"
	PlaceholderZhipuKey      = "your_zhipu_api_key"
)

// Config is an immutable snapshot of the configuration file.
type Config struct {
	// PATHS
	MonitorDirectories []string
	LibraryPath        string
	AnimeDirectory     string

	// AI
	AIType           string
	AIMaxConcurrent  int
	AIMaxTokens      int
	DeepseekAPIKey   string
	DeepseekURL      string
	SparkAPIKey      string
	SparkURL         string
	SparkModel       string
	ModelScopeAPIKey string
	ModelScopeURL    string
	ModelScopeModel  string
	ZhipuAPIKey      string
	ZhipuURL         string
	ZhipuModel       string

	// TMDB
	TMDBAPIKey      string
	TMDBProxy       string
	CacheExpireDays int

	// DATABASE
	CacheDB  string
	LedgerDB string

	// SYSTEM
	WorkerThreads          int
	StabilityWorkerThreads int
	HashWorkerThreads      int
	LogLevel               string
	MetricsListen          string // empty disables the endpoint
	InitialScan            bool
	WatchEvents            []string
	FileStableDelay        time.Duration
	IgnorePatterns         []string
	MaxFileWait            time.Duration
	IgnoreFileSize         int64 // bytes
	FileRetryInterval      time.Duration
	MaxPendingFiles        int
	PerfMonitorInterval    time.Duration
	UseDigest              bool
	LinkMethod             string
	AutoReload             bool
}

// Load reads the configuration file at path, creating it with defaults when it
// does not exist.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultFile(path); err != nil {
			return Config{}, fmt.Errorf("create default config: %w", err)
		}
	}

	f, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	paths := f.Section("PATHS")
	ai := f.Section("AI")
	tmdb := f.Section("TMDB")
	database := f.Section("DATABASE")
	system := f.Section("SYSTEM")

	cfg := Config{
		MonitorDirectories: splitList(paths.Key("monitor_directories").String()),
		LibraryPath:        paths.Key("library_path").MustString("./media_library"),
		AnimeDirectory:     paths.Key("anime_directory").MustString("动漫"),

		AIType:           ai.Key("ai_type").MustString("deepseek"),
		AIMaxConcurrent:  ai.Key("ai_max_concurrent").MustInt(5),
		AIMaxTokens:      ai.Key("ai_max_tokens").MustInt(200),
		DeepseekAPIKey:   ai.Key("deepseek_api_key").String(),
		DeepseekURL:      ai.Key("deepseek_url").MustString("https://api.deepseek.com/v1/chat/completions"),
		SparkAPIKey:      ai.Key("spark_api_key").String(),
		SparkURL:         ai.Key("spark_url").MustString("https://spark-api-open.xf-yun.com/v1/chat/completions"),
		SparkModel:       ai.Key("spark_model").MustString("Lite"),
		ModelScopeAPIKey: ai.Key("model_scope_api_key").String(),
		ModelScopeURL:    ai.Key("model_scope_url").MustString("https://api-inference.modelscope.cn/v1/chat/completions"),
		ModelScopeModel:  ai.Key("model_scope_model").MustString("Qwen3-235B-A22B-Instruct-2507"),
		ZhipuAPIKey:      ai.Key("zhipu_api_key").String(),
		ZhipuURL:         ai.Key("zhipu_url").MustString("https://open.bigmodel.cn/api/paas/v4/chat/completions"),
		ZhipuModel:       ai.Key("zhipu_model").MustString("GLM-4.5-Flash"),

		TMDBAPIKey:      tmdb.Key("tmdb_api_key").String(),
		TMDBProxy:       tmdb.Key("tmdb_proxy").String(),
		CacheExpireDays: tmdb.Key("cache_expire_days").MustInt(30),

		CacheDB:  database.Key("tmdb_cache_db").MustString("tmdb_cache.db"),
		LedgerDB: database.Key("processed_files_db").MustString("processed_files.db"),

		WorkerThreads:          max(1, system.Key("worker_threads").MustInt(5)),
		StabilityWorkerThreads: max(1, system.Key("stability_worker_threads").MustInt(2)),
		HashWorkerThreads:      max(1, system.Key("md5_worker_threads").MustInt(2)),
		LogLevel:               system.Key("log_level").MustString("info"),
		MetricsListen:          system.Key("metrics_listen").String(),
		InitialScan:            system.Key("initial_scan").MustBool(true),
		WatchEvents:            splitList(system.Key("watch_events").MustString("created,moved")),
		FileStableDelay:        time.Duration(system.Key("file_stable_delay").MustInt(5)) * time.Second,
		IgnorePatterns:         splitList(system.Key("ignore_patterns").MustString("*.tmp,*.part,*.crdownload,*.swp")),
		MaxFileWait:            time.Duration(system.Key("max_file_wait_time").MustInt(300)) * time.Second,
		IgnoreFileSize:         int64(system.Key("ignore_file_size").MustInt(10)) * 1024 * 1024,
		FileRetryInterval:      time.Duration(system.Key("file_retry_interval").MustInt(5)) * time.Second,
		MaxPendingFiles:        system.Key("max_pending_files").MustInt(10000),
		PerfMonitorInterval:    time.Duration(system.Key("performance_monitor_interval").MustInt(60)) * time.Second,
		UseDigest:              system.Key("use_md5").MustBool(true),
		LinkMethod:             system.Key("link_method").MustString("hardlink"),
		AutoReload:             system.Key("auto_reload").MustBool(true),
	}

	return cfg, nil
}

// Validate reports fatal configuration problems. The library root is created
// when missing so a fresh deployment can start against an empty tree.
func (c Config) Validate() error {
	var problems []string

	if c.TMDBAPIKey == "" || c.TMDBAPIKey == PlaceholderTMDBKey {
		problems = append(problems, "tmdb_api_key is not configured")
	}
	if len(c.MonitorDirectories) == 0 {
		problems = append(problems, "monitor_directories is empty")
	}
	switch c.LinkMethod {
	case "hardlink", "symlink", "copy":
	default:
		problems = append(problems, fmt.Sprintf("unsupported link_method %q", c.LinkMethod))
	}
	switch c.AIType {
	case "deepseek", "spark", "model_scope", "zhipu":
	default:
		problems = append(problems, fmt.Sprintf("unsupported ai_type %q", c.AIType))
	}

	if c.LibraryPath == "" {
		problems = append(problems, "library_path is empty")
	} else if err := os.MkdirAll(c.LibraryPath, 0o755); err != nil {
		problems = append(problems, fmt.Sprintf("library_path %s not creatable: %v", c.LibraryPath, err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// BackendKey returns the API key configured for the selected identification
// backend, or "" when the backend is unconfigured or still on its placeholder.
func (c Config) BackendKey() string {
	var key, placeholder string
	switch c.AIType {
	case "deepseek":
		key, placeholder = c.DeepseekAPIKey, PlaceholderDeepseekKey
	case "spark":
		key, placeholder = c.SparkAPIKey, PlaceholderSparkKey
	case "model_scope":
		key, placeholder = c.ModelScopeAPIKey, PlaceholderModelScopeKey
	case "zhipu":
		key, placeholder = c.ZhipuAPIKey, PlaceholderZhipuKey
	}
	if key == placeholder {
		return ""
	}
	return key
}

// Redacted returns a flat map of the configuration suitable for logging, with
// secret-bearing values masked.
func (c Config) Redacted() map[string]string {
	mask := func(v string) string {
		if v == "" {
			return "(unset)"
		}
		return "***"
	}
	return map[string]string{
		"monitor_directories": strings.Join(c.MonitorDirectories, ","),
		"library_path":        c.LibraryPath,
		"anime_directory":     c.AnimeDirectory,
		"ai_type":             c.AIType,
		"ai_max_concurrent":   fmt.Sprint(c.AIMaxConcurrent),
		"deepseek_api_key":    mask(c.DeepseekAPIKey),
		"spark_api_key":       mask(c.SparkAPIKey),
		"model_scope_api_key": mask(c.ModelScopeAPIKey),
		"zhipu_api_key":       mask(c.ZhipuAPIKey),
		"tmdb_api_key":        mask(c.TMDBAPIKey),
		"tmdb_proxy":          c.TMDBProxy,
		"tmdb_cache_db":       c.CacheDB,
		"processed_files_db":  c.LedgerDB,
		"worker_threads":      fmt.Sprint(c.WorkerThreads),
		"log_level":           c.LogLevel,
		"use_md5":             fmt.Sprint(c.UseDigest),
		"link_method":         c.LinkMethod,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func writeDefaultFile(path string) error {
	f := ini.Empty()

	type entry struct{ key, value, comment string }
	sections := []struct {
		name    string
		entries []entry
	}{
		{"PATHS", []entry{
			{"monitor_directories", "/path/to/movies,/path/to/tv_shows", "directories to watch, comma separated"},
			{"library_path", "/path/to/media_library", "library root"},
			{"anime_directory", "动漫", "animation subdirectory name"},
		}},
		{"AI", []entry{
			{"ai_type", "deepseek", "identification backend: deepseek, spark, model_scope, zhipu"},
			{"ai_max_concurrent", "5", "concurrent identification requests"},
			{"ai_max_tokens", "200", "completion token limit"},
			{"deepseek_api_key", PlaceholderDeepseekKey, ""},
			{"deepseek_url", "https://api.deepseek.com/v1/chat/completions", ""},
			{"spark_api_key", PlaceholderSparkKey, ""},
			{"spark_url", "https://spark-api-open.xf-yun.com/v1/chat/completions", ""},
			{"spark_model", "Lite", ""},
			{"model_scope_api_key", PlaceholderModelScopeKey, ""},
			{"model_scope_url", "https://api-inference.modelscope.cn/v1/chat/completions", ""},
			{"model_scope_model", "Qwen3-235B-A22B-Instruct-2507", ""},
			{"zhipu_api_key", PlaceholderZhipuKey, ""},
			{"zhipu_url", "https://open.bigmodel.cn/api/paas/v4/chat/completions", ""},
			{"zhipu_model", "GLM-4.5-Flash", ""},
		}},
		{"TMDB", []entry{
			{"tmdb_api_key", PlaceholderTMDBKey, ""},
			{"tmdb_proxy", "", "optional HTTP proxy for TMDB requests"},
			{"cache_expire_days", "30", "metadata cache TTL in days"},
		}},
		{"DATABASE", []entry{
			{"tmdb_cache_db", "tmdb_cache.db", ""},
			{"processed_files_db", "processed_files.db", ""},
		}},
		{"SYSTEM", []entry{
			{"worker_threads", "5", "processing workers"},
			{"stability_worker_threads", "2", "stability check workers"},
			{"md5_worker_threads", "2", "digest workers"},
			{"log_level", "info", "debug, info, warn, error"},
			{"metrics_listen", "", "prometheus listen address, e.g. :9090; empty disables"},
			{"initial_scan", "true", "scan monitored directories at startup"},
			{"watch_events", "created,moved", "filesystem events to react to"},
			{"file_stable_delay", "5", "seconds between stability size reads"},
			{"ignore_patterns", "*.tmp,*.part,*.crdownload,*.swp", "glob patterns to skip"},
			{"max_file_wait_time", "300", "stability timeout in seconds"},
			{"ignore_file_size", "10", "minimum file size in MiB"},
			{"file_retry_interval", "5", "seconds between file access retries"},
			{"max_pending_files", "10000", "pending registry capacity"},
			{"performance_monitor_interval", "60", "seconds between performance summaries"},
			{"use_md5", "true", "compute content digests for dedup"},
			{"link_method", "hardlink", "hardlink, symlink, copy"},
			{"auto_reload", "true", "reload config file on change"},
		}},
	}

	for _, sec := range sections {
		s, err := f.NewSection(sec.name)
		if err != nil {
			return err
		}
		for _, e := range sec.entries {
			k, err := s.NewKey(e.key, e.value)
			if err != nil {
				return err
			}
			if e.comment != "" {
				k.Comment = e.comment
			}
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return f.SaveTo(path)
}

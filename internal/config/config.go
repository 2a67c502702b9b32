// Package config defines service configuration structures and loading hooks.
//
// Conventions:
//   - Durations are expressed in milliseconds (`*_ms` keys) and exposed through
//     typed accessors.
//   - Validation errors wrap ErrInvalidConfig.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// RegionsFile is the YAML/JSON file listing monitored regions.
	RegionsFile string `koanf:"regions_file"`
	// RegionReloadIntervalMS re-reads RegionsFile periodically; 0 disables.
	RegionReloadIntervalMS int `koanf:"region_reload_interval_ms"`

	// GraceWindowMS is the debounce window for sample-driven changes.
	GraceWindowMS int `koanf:"grace_window_ms"`
	// MaxAccuracyMeters drops samples with a worse accuracy radius.
	MaxAccuracyMeters float64 `koanf:"max_accuracy_meters"`
	// UserIdleTTLMS evicts per-user actors that are in no region.
	UserIdleTTLMS int `koanf:"user_idle_ttl_ms"`
	// MailboxSize bounds queued input per user.
	MailboxSize int `koanf:"mailbox_size"`

	// WorkerCount sets the number of fan-out workers.
	WorkerCount int `koanf:"worker_count"`
	// WorkerQueueSize bounds each fan-out worker's queue.
	WorkerQueueSize int `koanf:"worker_queue_size"`

	// DedupeSize sets how many OS callback ids are remembered.
	DedupeSize int `koanf:"dedupe_size"`

	// Directory selects the group directory: static or sqlite.
	Directory string `koanf:"directory"`
	// GroupsFile feeds the static directory and, when present, seeds the sqlite one.
	GroupsFile string `koanf:"groups_file"`
	// SQLitePath is the database used by the sqlite directory and publisher.
	SQLitePath string `koanf:"sqlite_path"`
	// DirectoryTimeoutMS bounds each group directory fetch.
	DirectoryTimeoutMS int `koanf:"directory_timeout_ms"`
	// DirectoryCacheTTLMS is how long memberships are cached.
	DirectoryCacheTTLMS int `koanf:"directory_cache_ttl_ms"`

	// Notifier selects the notification sink: log or redis.
	Notifier string `koanf:"notifier"`
	// Publishers is a comma separated list of transition sinks: log, sqlite, redis.
	Publishers string `koanf:"publishers"`

	RedisAddr             string `koanf:"redis_addr"`
	RedisPassword         string `koanf:"redis_password"`
	RedisDB               int    `koanf:"redis_db"`
	RedisChannel          string `koanf:"redis_channel"`
	RedisNotificationList string `koanf:"redis_notification_list"`

	// IngestRatePerUser limits samples and events per user per second; 0 disables.
	IngestRatePerUser float64 `koanf:"ingest_rate_per_user"`
	// IngestBurst is the limiter burst size.
	IngestBurst int `koanf:"ingest_burst"`

	TracingEnabled     bool    `koanf:"tracing_enabled"`
	TracingSampleRatio float64 `koanf:"tracing_sample_ratio"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:               "info",
		LogFormat:              "text",
		Addr:                   ":9080",
		RegionsFile:            "regions.yaml",
		RegionReloadIntervalMS: 60_000,
		GraceWindowMS:          5_000,
		MaxAccuracyMeters:      100,
		UserIdleTTLMS:          600_000,
		MailboxSize:            256,
		WorkerCount:            runtime.NumCPU() * 2,
		WorkerQueueSize:        4_096,
		DedupeSize:             100_000,
		Directory:              "static",
		GroupsFile:             "groups.yaml",
		SQLitePath:             "geopresence.db",
		DirectoryTimeoutMS:     500,
		DirectoryCacheTTLMS:    30_000,
		Notifier:               "log",
		Publishers:             "log",
		RedisAddr:              "127.0.0.1:6379",
		RedisChannel:           "geopresence:transitions",
		RedisNotificationList:  "geopresence:notifications",
		IngestRatePerUser:      5,
		IngestBurst:            20,
		TracingEnabled:         false,
		TracingSampleRatio:     1,
	}
}

// GraceWindow returns GraceWindowMS as a duration.
func (c *Config) GraceWindow() time.Duration { return ms(c.GraceWindowMS) }

// UserIdleTTL returns UserIdleTTLMS as a duration.
func (c *Config) UserIdleTTL() time.Duration { return ms(c.UserIdleTTLMS) }

// RegionReloadInterval returns RegionReloadIntervalMS as a duration.
func (c *Config) RegionReloadInterval() time.Duration { return ms(c.RegionReloadIntervalMS) }

// DirectoryTimeout returns DirectoryTimeoutMS as a duration.
func (c *Config) DirectoryTimeout() time.Duration { return ms(c.DirectoryTimeoutMS) }

// DirectoryCacheTTL returns DirectoryCacheTTLMS as a duration.
func (c *Config) DirectoryCacheTTL() time.Duration { return ms(c.DirectoryCacheTTLMS) }

// PublisherList returns the configured publishers, trimmed and lowercased.
func (c *Config) PublisherList() []string {
	var out []string
	for _, p := range strings.Split(c.Publishers, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NeedsSQLite reports whether any component uses the SQLite store.
func (c *Config) NeedsSQLite() bool {
	if c.Directory == "sqlite" {
		return true
	}
	for _, p := range c.PublisherList() {
		if p == "sqlite" {
			return true
		}
	}
	return false
}

// NeedsRedis reports whether any component uses Redis.
func (c *Config) NeedsRedis() bool {
	if c.Notifier == "redis" {
		return true
	}
	for _, p := range c.PublisherList() {
		if p == "redis" {
			return true
		}
	}
	return false
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Addr != "", "addr must not be empty")
	check(c.RegionsFile != "", "regions_file must not be empty")
	check(c.LogFormat == "text" || c.LogFormat == "json", "log_format must be text or json, got %q", c.LogFormat)
	check(c.GraceWindowMS >= 0, "grace_window_ms must be >= 0")
	check(c.MaxAccuracyMeters >= 0, "max_accuracy_meters must be >= 0")
	check(c.UserIdleTTLMS > 0, "user_idle_ttl_ms must be > 0")
	check(c.MailboxSize > 0, "mailbox_size must be > 0")
	check(c.WorkerCount > 0, "worker_count must be > 0")
	check(c.WorkerQueueSize > 0, "worker_queue_size must be > 0")
	check(c.DedupeSize > 0, "dedupe_size must be > 0")
	check(c.RegionReloadIntervalMS >= 0, "region_reload_interval_ms must be >= 0")
	check(c.DirectoryTimeoutMS > 0, "directory_timeout_ms must be > 0")
	check(c.DirectoryCacheTTLMS > 0, "directory_cache_ttl_ms must be > 0")
	check(c.IngestRatePerUser >= 0, "ingest_rate_per_user must be >= 0")
	check(c.IngestRatePerUser == 0 || c.IngestBurst > 0, "ingest_burst must be > 0 when rate limiting is on")
	check(c.TracingSampleRatio >= 0 && c.TracingSampleRatio <= 1, "tracing_sample_ratio must be within [0, 1]")

	switch c.Directory {
	case "static":
		check(c.GroupsFile != "", "groups_file must not be empty for the static directory")
	case "sqlite":
	default:
		check(false, "directory must be static or sqlite, got %q", c.Directory)
	}
	check(c.Notifier == "log" || c.Notifier == "redis", "notifier must be log or redis, got %q", c.Notifier)
	for _, p := range c.PublisherList() {
		check(p == "log" || p == "sqlite" || p == "redis", "unknown publisher %q", p)
	}
	check(!c.NeedsSQLite() || c.SQLitePath != "", "sqlite_path must not be empty")
	check(!c.NeedsRedis() || c.RedisAddr != "", "redis_addr must not be empty")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

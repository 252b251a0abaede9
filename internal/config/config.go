// Package config builds the typed Config the core is constructed with.
// Only cmd/watcher reads the environment; the core itself never calls
// os.Getenv, following the teacher's cmd/provisioner-controller/main.go
// getenv-helper pattern (environment only; no command-line flags).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved runtime configuration for the watcher
// core: filesystem paths (a missing/empty path disables the corresponding
// component per spec §6), DB/HTTP connection parameters, NC-base lookup
// preference lists, tuning intervals, the test-data switch, and the log
// level.
type Config struct {
	// Database.
	DatabaseDSN string // DATABASE_DSN

	// HTTP surface (/healthz, /metrics).
	HTTPAddr string // WATCHER_HTTP_ADDR

	// Filesystem roots. Empty disables the component that owns it.
	ProcessedJobsRoot string // PROCESSED_JOBS_ROOT, C6/C10
	AutoPACCsvDir     string // AUTOPAC_CSV_DIR, C7
	GrundnerFolder    string // GRUNDNER_FOLDER_PATH, C11

	// Preference order for ambiguous NC-base lookups (spec.md §9 Open
	// Questions, resolved in SPEC_FULL.md).
	UnstackPreferStatuses []string // UNSTACK_PREFER_STATUSES (comma-separated)
	AutoPACPreferStatuses []string // AUTOPAC_PREFER_STATUSES (comma-separated)

	// Tuning.
	IngestInterval  time.Duration // INGEST_INTERVAL
	SanityInterval  time.Duration // STAGE_SANITY_INTERVAL
	SourceInterval  time.Duration // SOURCE_SANITY_INTERVAL
	InventoryPoll   time.Duration // INVENTORY_POLL_INTERVAL
	StableQuiet     time.Duration // STABLE_QUIET_PERIOD

	// UseTestDataMode short-circuits components that would otherwise
	// dial real machines/the material library, for demo/test runs.
	UseTestDataMode bool // USE_TEST_DATA_MODE

	LogLevel string // LOG_LEVEL
}

// Default returns the baseline configuration before the environment overlay.
func Default() Config {
	return Config{
		HTTPAddr:        ":9090",
		IngestInterval:  10 * time.Second,
		SanityInterval:  10 * time.Second,
		SourceInterval:  30 * time.Second,
		InventoryPoll:   10 * time.Second,
		StableQuiet:     750 * time.Millisecond,
		UseTestDataMode: false,
		LogLevel:        "info",
	}
}

// FromEnv overlays environment variables onto Default(). It never panics
// on a malformed value; it returns an error so the caller can fail
// startup with a clear message instead of silently falling back.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.DatabaseDSN = getenv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.HTTPAddr = getenv("WATCHER_HTTP_ADDR", cfg.HTTPAddr)
	cfg.ProcessedJobsRoot = getenv("PROCESSED_JOBS_ROOT", cfg.ProcessedJobsRoot)
	cfg.AutoPACCsvDir = getenv("AUTOPAC_CSV_DIR", cfg.AutoPACCsvDir)
	cfg.GrundnerFolder = getenv("GRUNDNER_FOLDER_PATH", cfg.GrundnerFolder)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)

	cfg.UnstackPreferStatuses = getenvList("UNSTACK_PREFER_STATUSES", []string{"FORWARDED_TO_NESTPICK"})
	cfg.AutoPACPreferStatuses = getenvList("AUTOPAC_PREFER_STATUSES", nil)

	var err error
	if cfg.IngestInterval, err = getenvDuration("INGEST_INTERVAL", cfg.IngestInterval); err != nil {
		return cfg, err
	}
	if cfg.SanityInterval, err = getenvDuration("STAGE_SANITY_INTERVAL", cfg.SanityInterval); err != nil {
		return cfg, err
	}
	if cfg.SourceInterval, err = getenvDuration("SOURCE_SANITY_INTERVAL", cfg.SourceInterval); err != nil {
		return cfg, err
	}
	if cfg.InventoryPoll, err = getenvDuration("INVENTORY_POLL_INTERVAL", cfg.InventoryPoll); err != nil {
		return cfg, err
	}
	if cfg.StableQuiet, err = getenvDuration("STABLE_QUIET_PERIOD", cfg.StableQuiet); err != nil {
		return cfg, err
	}
	if cfg.UseTestDataMode, err = getenvBool("USE_TEST_DATA_MODE", cfg.UseTestDataMode); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks invariants that would otherwise surface as a confusing
// failure deep inside a component constructor.
func (c Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN is required")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// Redacted renders the config for startup logging with the DSN's
// credentials masked, the same redactedSecret idea the teacher applies
// to its webhook secret.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"database_dsn":            redactDSN(c.DatabaseDSN),
		"http_addr":               c.HTTPAddr,
		"processed_jobs_root":     c.ProcessedJobsRoot,
		"autopac_csv_dir":         c.AutoPACCsvDir,
		"grundner_folder":         c.GrundnerFolder,
		"unstack_prefer_statuses": c.UnstackPreferStatuses,
		"autopac_prefer_statuses": c.AutoPACPreferStatuses,
		"ingest_interval":         c.IngestInterval.String(),
		"stage_sanity_interval":   c.SanityInterval.String(),
		"source_sanity_interval":  c.SourceInterval.String(),
		"inventory_poll_interval": c.InventoryPoll.String(),
		"stable_quiet_period":     c.StableQuiet.String(),
		"use_test_data_mode":      c.UseTestDataMode,
		"log_level":               c.LogLevel,
	}
}

// redactDSN masks the password component of a Postgres connection
// string/URI without disturbing the rest, so startup logs never leak
// credentials.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	at := strings.LastIndex(dsn, "@")
	if at == -1 {
		return dsn
	}
	scheme := strings.Index(dsn, "://")
	if scheme == -1 || scheme > at {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	colon := strings.Index(userinfo, ":")
	if colon == -1 {
		return dsn
	}
	return dsn[:scheme+3] + userinfo[:colon] + ":****" + dsn[at:]
}

// Copyright 2025 Market Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and persists the spine settings file. Values
// resolve in precedence order: built-in defaults, then settings.yaml,
// then SPINE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marketspine/spine/pkg/errors"
)

// Settings is the full spine configuration.
type Settings struct {
	// Version is the settings schema version.
	Version int `yaml:"version"`

	Database    DatabaseSettings    `yaml:"database"`
	Log         LogSettings         `yaml:"log"`
	Tracing     TracingSettings     `yaml:"tracing"`
	Daemon      DaemonSettings      `yaml:"daemon"`
	Scheduler   SchedulerSettings   `yaml:"scheduler"`
	Definitions DefinitionsSettings `yaml:"definitions"`
	Sources     SourcesSettings     `yaml:"sources"`
}

// DatabaseSettings locate the SQLite database.
type DatabaseSettings struct {
	// Path is the database file. Environment: SPINE_DB_PATH.
	// Default: <data dir>/spine.db.
	Path string `yaml:"path,omitempty"`
}

// LogSettings shape the structured logger.
type LogSettings struct {
	// Level is one of trace, debug, info, warn, error.
	// Environment: SPINE_LOG_LEVEL. Default: info.
	Level string `yaml:"level,omitempty"`

	// Format is text or json. Environment: SPINE_LOG_FORMAT.
	// Default: text.
	Format string `yaml:"format,omitempty"`
}

// TracingSettings configure span export.
type TracingSettings struct {
	// Exporter is one of none, stdout, otlp-grpc, otlp-http.
	// Environment: SPINE_TRACE_EXPORTER. Default: none.
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector address for the otlp exporters.
	// Environment: SPINE_TRACE_ENDPOINT.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS on the otlp exporters, for local
	// collectors.
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRate is the head sampling ratio in [0, 1]. Default: 1.
	SampleRate float64 `yaml:"sample_rate,omitempty"`

	// MirrorToDB additionally writes finished spans to the
	// core_trace_spans table for offline inspection.
	MirrorToDB bool `yaml:"mirror_to_db,omitempty"`
}

// DaemonSettings shape the worker daemon.
type DaemonSettings struct {
	// Workers is the claim-loop goroutine count.
	// Environment: SPINE_DAEMON_WORKERS. Default: 4.
	Workers int `yaml:"workers,omitempty"`

	// Lanes restricts which lanes the workers claim from. Empty means
	// all lanes.
	Lanes []string `yaml:"lanes,omitempty"`

	// ListenAddr serves /healthz and /metrics.
	// Environment: SPINE_DAEMON_LISTEN. Default: 127.0.0.1:9877.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// ClaimInterval is the idle poll interval between claim attempts.
	// Default: 1s.
	ClaimInterval time.Duration `yaml:"claim_interval,omitempty"`

	// LockTTL is how long a claim stays valid without a heartbeat.
	// Default: 5m.
	LockTTL time.Duration `yaml:"lock_ttl,omitempty"`

	// ReapInterval is how often expired locks are reaped. Default: 30s.
	ReapInterval time.Duration `yaml:"reap_interval,omitempty"`

	// CheckpointSweepInterval is how often expired workflow
	// checkpoints are deleted. Default: 10m.
	CheckpointSweepInterval time.Duration `yaml:"checkpoint_sweep_interval,omitempty"`

	// DrainTimeout bounds graceful shutdown. Default: 30s.
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// SchedulerSettings are the scheduler defaults the CLI starts from.
type SchedulerSettings struct {
	// LookbackWeeks is the default lookback window.
	// Environment: SPINE_SCHEDULER_LOOKBACK_WEEKS. Default: 4.
	LookbackWeeks int `yaml:"lookback_weeks,omitempty"`

	// MaxConcurrency bounds within-phase parallelism. Default: 1.
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`
}

// DefinitionsSettings locate group and workflow YAML documents.
type DefinitionsSettings struct {
	// Dir is the definitions directory.
	// Environment: SPINE_DEFINITIONS_DIR. Default: <config dir>/definitions.
	Dir string `yaml:"dir,omitempty"`

	// Patterns are doublestar globs relative to Dir.
	// Default: **/*.yaml, **/*.yml.
	Patterns []string `yaml:"patterns,omitempty"`
}

// SourcesSettings configure the domain fetchers.
type SourcesSettings struct {
	Finra  FinraSourceSettings  `yaml:"finra"`
	Prices PricesSourceSettings `yaml:"prices"`
}

// FinraSourceSettings configure the FINRA file and api fetchers.
type FinraSourceSettings struct {
	// BaseURL is the download endpoint for the api fetcher.
	// Environment: SPINE_FINRA_BASE_URL.
	BaseURL string `yaml:"base_url,omitempty"`

	// DataDir is where the file fetcher looks for weekly files.
	// Environment: SPINE_FINRA_DATA_DIR. Default: <data dir>/finra.
	DataDir string `yaml:"data_dir,omitempty"`

	// Timeout bounds one fetch. Default: 60s.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// PricesSourceSettings configure the price api fetcher.
type PricesSourceSettings struct {
	// BaseURL is the quote endpoint.
	// Environment: SPINE_PRICES_BASE_URL.
	BaseURL string `yaml:"base_url,omitempty"`

	// Timeout bounds one fetch. Default: 30s.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Sleep is the default spacing between symbol fetches.
	// Environment: SPINE_PRICES_SLEEP. Default: 0.
	Sleep time.Duration `yaml:"sleep,omitempty"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		Version: 1,
		Database: DatabaseSettings{
			Path: defaultDatabasePath(),
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingSettings{
			Exporter:   "none",
			SampleRate: 1.0,
		},
		Daemon: DaemonSettings{
			Workers:                 4,
			ListenAddr:              "127.0.0.1:9877",
			ClaimInterval:           time.Second,
			LockTTL:                 5 * time.Minute,
			ReapInterval:            30 * time.Second,
			CheckpointSweepInterval: 10 * time.Minute,
			DrainTimeout:            30 * time.Second,
		},
		Scheduler: SchedulerSettings{
			LookbackWeeks:  4,
			MaxConcurrency: 1,
		},
		Definitions: DefinitionsSettings{
			Dir:      defaultDefinitionsDir(),
			Patterns: []string{"**/*.yaml", "**/*.yml"},
		},
		Sources: SourcesSettings{
			Finra: FinraSourceSettings{
				DataDir: defaultFinraDataDir(),
				Timeout: 60 * time.Second,
			},
			Prices: PricesSourceSettings{
				Timeout: 30 * time.Second,
			},
		},
	}
}

// Load resolves settings from the file at path (empty means the
// default settings path, missing file means defaults), applies
// defaults to anything unset, then environment overrides, then
// validates.
func Load(path string) (*Settings, error) {
	s := Default()

	if path == "" {
		var err error
		path, err = SettingsPath()
		if err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No file is fine: defaults plus environment.
	case err != nil:
		return nil, &errors.ValidationError{
			Field:   "config",
			Message: fmt.Sprintf("read %s: %v", path, err),
		}
	default:
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, &errors.ValidationError{
				Field:      "config",
				Message:    fmt.Sprintf("parse %s: %v", path, err),
				Suggestion: "check the YAML syntax",
			}
		}
	}

	s.applyDefaults()
	s.loadFromEnv()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyDefaults fills zero values so minimal settings files work.
func (s *Settings) applyDefaults() {
	d := Default()

	if s.Version == 0 {
		s.Version = d.Version
	}
	if s.Database.Path == "" {
		s.Database.Path = d.Database.Path
	}
	if s.Log.Level == "" {
		s.Log.Level = d.Log.Level
	}
	if s.Log.Format == "" {
		s.Log.Format = d.Log.Format
	}
	if s.Tracing.Exporter == "" {
		s.Tracing.Exporter = d.Tracing.Exporter
	}
	if s.Tracing.SampleRate == 0 {
		s.Tracing.SampleRate = d.Tracing.SampleRate
	}
	if s.Daemon.Workers == 0 {
		s.Daemon.Workers = d.Daemon.Workers
	}
	if s.Daemon.ListenAddr == "" {
		s.Daemon.ListenAddr = d.Daemon.ListenAddr
	}
	if s.Daemon.ClaimInterval == 0 {
		s.Daemon.ClaimInterval = d.Daemon.ClaimInterval
	}
	if s.Daemon.LockTTL == 0 {
		s.Daemon.LockTTL = d.Daemon.LockTTL
	}
	if s.Daemon.ReapInterval == 0 {
		s.Daemon.ReapInterval = d.Daemon.ReapInterval
	}
	if s.Daemon.CheckpointSweepInterval == 0 {
		s.Daemon.CheckpointSweepInterval = d.Daemon.CheckpointSweepInterval
	}
	if s.Daemon.DrainTimeout == 0 {
		s.Daemon.DrainTimeout = d.Daemon.DrainTimeout
	}
	if s.Scheduler.LookbackWeeks == 0 {
		s.Scheduler.LookbackWeeks = d.Scheduler.LookbackWeeks
	}
	if s.Scheduler.MaxConcurrency == 0 {
		s.Scheduler.MaxConcurrency = d.Scheduler.MaxConcurrency
	}
	if s.Definitions.Dir == "" {
		s.Definitions.Dir = d.Definitions.Dir
	}
	if len(s.Definitions.Patterns) == 0 {
		s.Definitions.Patterns = d.Definitions.Patterns
	}
	if s.Sources.Finra.DataDir == "" {
		s.Sources.Finra.DataDir = d.Sources.Finra.DataDir
	}
	if s.Sources.Finra.Timeout == 0 {
		s.Sources.Finra.Timeout = d.Sources.Finra.Timeout
	}
	if s.Sources.Prices.Timeout == 0 {
		s.Sources.Prices.Timeout = d.Sources.Prices.Timeout
	}
}

// loadFromEnv applies SPINE_* overrides. Environment always wins over
// the file.
func (s *Settings) loadFromEnv() {
	if v := os.Getenv("SPINE_DB_PATH"); v != "" {
		s.Database.Path = v
	}
	if v := os.Getenv("SPINE_LOG_LEVEL"); v != "" {
		s.Log.Level = v
	}
	if v := os.Getenv("SPINE_LOG_FORMAT"); v != "" {
		s.Log.Format = v
	}
	if v := os.Getenv("SPINE_TRACE_EXPORTER"); v != "" {
		s.Tracing.Exporter = v
	}
	if v := os.Getenv("SPINE_TRACE_ENDPOINT"); v != "" {
		s.Tracing.Endpoint = v
	}
	if v := os.Getenv("SPINE_DAEMON_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Daemon.Workers = n
		}
	}
	if v := os.Getenv("SPINE_DAEMON_LISTEN"); v != "" {
		s.Daemon.ListenAddr = v
	}
	if v := os.Getenv("SPINE_SCHEDULER_LOOKBACK_WEEKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Scheduler.LookbackWeeks = n
		}
	}
	if v := os.Getenv("SPINE_DEFINITIONS_DIR"); v != "" {
		s.Definitions.Dir = v
	}
	if v := os.Getenv("SPINE_FINRA_BASE_URL"); v != "" {
		s.Sources.Finra.BaseURL = v
	}
	if v := os.Getenv("SPINE_FINRA_DATA_DIR"); v != "" {
		s.Sources.Finra.DataDir = v
	}
	if v := os.Getenv("SPINE_PRICES_BASE_URL"); v != "" {
		s.Sources.Prices.BaseURL = v
	}
	if v := os.Getenv("SPINE_PRICES_SLEEP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			s.Sources.Prices.Sleep = d
		}
	}
}

// Validate rejects values the rest of the system cannot work with.
func (s *Settings) Validate() error {
	switch s.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return &errors.ValidationError{
			Field:      "log.level",
			Message:    fmt.Sprintf("unknown level %q", s.Log.Level),
			Suggestion: "use trace, debug, info, warn, or error",
		}
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		return &errors.ValidationError{
			Field:      "log.format",
			Message:    fmt.Sprintf("unknown format %q", s.Log.Format),
			Suggestion: "use text or json",
		}
	}
	switch s.Tracing.Exporter {
	case "none", "stdout", "otlp-grpc", "otlp-http":
	default:
		return &errors.ValidationError{
			Field:      "tracing.exporter",
			Message:    fmt.Sprintf("unknown exporter %q", s.Tracing.Exporter),
			Suggestion: "use none, stdout, otlp-grpc, or otlp-http",
		}
	}
	if (s.Tracing.Exporter == "otlp-grpc" || s.Tracing.Exporter == "otlp-http") && s.Tracing.Endpoint == "" {
		return &errors.ValidationError{
			Field:      "tracing.endpoint",
			Message:    "otlp exporters need an endpoint",
			Suggestion: "set tracing.endpoint or SPINE_TRACE_ENDPOINT",
		}
	}
	if s.Tracing.SampleRate < 0 || s.Tracing.SampleRate > 1 {
		return &errors.ValidationError{
			Field:   "tracing.sample_rate",
			Message: fmt.Sprintf("sample rate %v outside [0, 1]", s.Tracing.SampleRate),
		}
	}
	if s.Daemon.Workers < 1 {
		return &errors.ValidationError{
			Field:   "daemon.workers",
			Message: "at least one worker is required",
		}
	}
	if s.Scheduler.LookbackWeeks < 1 {
		return &errors.ValidationError{
			Field:   "scheduler.lookback_weeks",
			Message: "lookback must be positive",
		}
	}
	return nil
}

func defaultDatabasePath() string {
	dir, err := DataDir()
	if err != nil {
		return "spine.db"
	}
	return filepath.Join(dir, "spine.db")
}

func defaultDefinitionsDir() string {
	dir, err := ConfigDir()
	if err != nil {
		return "definitions"
	}
	return filepath.Join(dir, "definitions")
}

func defaultFinraDataDir() string {
	dir, err := DataDir()
	if err != nil {
		return "finra"
	}
	return filepath.Join(dir, "finra")
}

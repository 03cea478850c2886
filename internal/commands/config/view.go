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

package config

import (
	"github.com/marketspine/spine/internal/config"
)

// settingsView is the display projection of the resolved settings.
// Durations render in Go duration syntax instead of the encoders'
// nanosecond integers, so the output is valid input for a settings
// file.
type settingsView struct {
	Version     int             `json:"version" yaml:"version"`
	Database    databaseView    `json:"database" yaml:"database"`
	Log         logView         `json:"log" yaml:"log"`
	Tracing     tracingView     `json:"tracing" yaml:"tracing"`
	Daemon      daemonView      `json:"daemon" yaml:"daemon"`
	Scheduler   schedulerView   `json:"scheduler" yaml:"scheduler"`
	Definitions definitionsView `json:"definitions" yaml:"definitions"`
	Sources     sourcesView     `json:"sources" yaml:"sources"`
}

type databaseView struct {
	Path string `json:"path" yaml:"path"`
}

type logView struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type tracingView struct {
	Exporter   string  `json:"exporter" yaml:"exporter"`
	Endpoint   string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Insecure   bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`
	MirrorToDB bool    `json:"mirror_to_db,omitempty" yaml:"mirror_to_db,omitempty"`
}

type daemonView struct {
	Workers                 int      `json:"workers" yaml:"workers"`
	Lanes                   []string `json:"lanes,omitempty" yaml:"lanes,omitempty"`
	ListenAddr              string   `json:"listen_addr" yaml:"listen_addr"`
	ClaimInterval           string   `json:"claim_interval" yaml:"claim_interval"`
	LockTTL                 string   `json:"lock_ttl" yaml:"lock_ttl"`
	ReapInterval            string   `json:"reap_interval" yaml:"reap_interval"`
	CheckpointSweepInterval string   `json:"checkpoint_sweep_interval" yaml:"checkpoint_sweep_interval"`
	DrainTimeout            string   `json:"drain_timeout" yaml:"drain_timeout"`
}

type schedulerView struct {
	LookbackWeeks  int `json:"lookback_weeks" yaml:"lookback_weeks"`
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`
}

type definitionsView struct {
	Dir      string   `json:"dir" yaml:"dir"`
	Patterns []string `json:"patterns" yaml:"patterns"`
}

type sourcesView struct {
	Finra  finraSourceView  `json:"finra" yaml:"finra"`
	Prices pricesSourceView `json:"prices" yaml:"prices"`
}

type finraSourceView struct {
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	DataDir string `json:"data_dir" yaml:"data_dir"`
	Timeout string `json:"timeout" yaml:"timeout"`
}

type pricesSourceView struct {
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Timeout string `json:"timeout" yaml:"timeout"`
	Sleep   string `json:"sleep,omitempty" yaml:"sleep,omitempty"`
}

func newSettingsView(s *config.Settings) settingsView {
	v := settingsView{
		Version:  s.Version,
		Database: databaseView{Path: s.Database.Path},
		Log:      logView{Level: s.Log.Level, Format: s.Log.Format},
		Tracing: tracingView{
			Exporter:   s.Tracing.Exporter,
			Endpoint:   s.Tracing.Endpoint,
			Insecure:   s.Tracing.Insecure,
			SampleRate: s.Tracing.SampleRate,
			MirrorToDB: s.Tracing.MirrorToDB,
		},
		Daemon: daemonView{
			Workers:                 s.Daemon.Workers,
			Lanes:                   s.Daemon.Lanes,
			ListenAddr:              s.Daemon.ListenAddr,
			ClaimInterval:           s.Daemon.ClaimInterval.String(),
			LockTTL:                 s.Daemon.LockTTL.String(),
			ReapInterval:            s.Daemon.ReapInterval.String(),
			CheckpointSweepInterval: s.Daemon.CheckpointSweepInterval.String(),
			DrainTimeout:            s.Daemon.DrainTimeout.String(),
		},
		Scheduler: schedulerView{
			LookbackWeeks:  s.Scheduler.LookbackWeeks,
			MaxConcurrency: s.Scheduler.MaxConcurrency,
		},
		Definitions: definitionsView{
			Dir:      s.Definitions.Dir,
			Patterns: s.Definitions.Patterns,
		},
		Sources: sourcesView{
			Finra: finraSourceView{
				BaseURL: s.Sources.Finra.BaseURL,
				DataDir: s.Sources.Finra.DataDir,
				Timeout: s.Sources.Finra.Timeout.String(),
			},
			Prices: pricesSourceView{
				BaseURL: s.Sources.Prices.BaseURL,
				Timeout: s.Sources.Prices.Timeout.String(),
			},
		},
	}
	// Zero means no spacing between symbol fetches; omit rather than
	// print "0s".
	if s.Sources.Prices.Sleep > 0 {
		v.Sources.Prices.Sleep = s.Sources.Prices.Sleep.String()
	}
	return v
}

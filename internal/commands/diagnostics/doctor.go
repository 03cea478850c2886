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

// Package diagnostics implements `spine doctor`: staged checks over
// the settings, the database, the definitions directory, the daemon,
// and the configured sources, with recommendations for whatever is
// off.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/pkg/httpclient"
	"github.com/marketspine/spine/pkg/storage"
	"github.com/marketspine/spine/pkg/workqueue"
)

// daemonProbeTimeout bounds the /healthz request. The daemon is local;
// anything slower than this is as good as down.
const daemonProbeTimeout = 2 * time.Second

type checkStatus string

const (
	statusOK   checkStatus = "ok"
	statusWarn checkStatus = "warn"
	statusFail checkStatus = "fail"
)

// checkResult is one line of the doctor report. A warn means spine
// works but some capability is unavailable; only a fail makes the
// report unhealthy.
type checkResult struct {
	Name   string      `json:"name"`
	Status checkStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type report struct {
	SettingsPath    string        `json:"settings_path"`
	Checks          []checkResult `json:"checks"`
	Recommendations []string      `json:"recommendations,omitempty"`
	Healthy         bool          `json:"healthy"`
}

func (r *report) add(name string, status checkStatus, detail string, err error) {
	c := checkResult{Name: name, Status: status, Detail: detail}
	if err != nil {
		c.Error = err.Error()
	}
	r.Checks = append(r.Checks, c)
}

func (r *report) recommend(msg string) {
	r.Recommendations = append(r.Recommendations, msg)
}

// NewDoctorCommand creates the doctor command.
func NewDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the installation health",
		Long: `Check that spine can do its job: settings load, the database
opens, definitions are where the settings say, the daemon answers on
its listen address, and the sources are reachable on disk.

Warnings mark capabilities that are unavailable but optional, such as
a daemon that is not running. Only failures make the exit code
non-zero.`,
		Example: `  spine doctor
  spine doctor --json
  spine doctor --json | jq -e '.healthy'`,
		Args: cobra.NoArgs,
		RunE: runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	rep := &report{}
	if settings := checkSettings(rep); settings != nil {
		checkDatabase(ctx, rep, settings)
		checkDefinitions(rep, settings)
		checkDaemon(ctx, rep, settings)
		checkSources(rep, settings)
	}

	rep.Healthy = true
	for _, c := range rep.Checks {
		if c.Status == statusFail {
			rep.Healthy = false
		}
	}

	if shared.GetJSON() {
		resp := struct {
			shared.JSONResponse
			SettingsPath    string        `json:"settings_path"`
			Checks          []checkResult `json:"checks"`
			Recommendations []string      `json:"recommendations,omitempty"`
			Healthy         bool          `json:"healthy"`
		}{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "doctor",
				Success: rep.Healthy,
			},
			SettingsPath:    rep.SettingsPath,
			Checks:          rep.Checks,
			Recommendations: rep.Recommendations,
			Healthy:         rep.Healthy,
		}
		if err := shared.EmitJSON(resp); err != nil {
			return shared.NewExecutionError("emit json", err)
		}
	} else {
		renderReport(cmd, rep)
	}

	if !rep.Healthy {
		return shared.NewSilentExit(shared.ExitPartialFailure)
	}
	return nil
}

// checkSettings loads the resolved settings. Everything downstream
// needs them, so a failure here ends the run.
func checkSettings(rep *report) *config.Settings {
	path := shared.GetConfigPath()
	if path == "" {
		var err error
		path, err = config.SettingsPath()
		if err != nil {
			rep.add("settings", statusFail, "", err)
			return nil
		}
	}
	rep.SettingsPath = path

	_, statErr := os.Stat(path)
	settings, err := config.Load(shared.GetConfigPath())
	if err != nil {
		rep.add("settings", statusFail, path, err)
		rep.recommend("Fix the settings file, or remove it to fall back to defaults.")
		return nil
	}

	detail := "file loaded"
	if os.IsNotExist(statErr) {
		detail = "no file, defaults in effect"
	}
	rep.add("settings", statusOK, detail, nil)
	return settings
}

// checkDatabase opens the database the other commands would open,
// which also proves the schema migrates, and reports queue depth.
func checkDatabase(ctx context.Context, rep *report, settings *config.Settings) {
	path := settings.Database.Path
	if p := shared.GetDBPath(); p != "" {
		path = p
	}

	db, err := storage.Open(storage.Config{Path: path})
	if err != nil {
		rep.add("database", statusFail, path, err)
		rep.recommend("Check database.path and the directory permissions around it.")
		return
	}
	defer db.Close()

	stats, err := workqueue.New(db).Stats(ctx)
	if err != nil {
		rep.add("database", statusFail, path, err)
		return
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	detail := fmt.Sprintf("%s, %d work items (%d pending, %d running)",
		path, total, stats[workqueue.StatePending], stats[workqueue.StateRunning])
	rep.add("database", statusOK, detail, nil)
}

// checkDefinitions verifies the definitions directory and counts the
// documents the daemon and the run command would see.
func checkDefinitions(rep *report, settings *config.Settings) {
	dir := settings.Definitions.Dir
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		rep.add("definitions", statusWarn, dir+" does not exist", nil)
		rep.recommend("Create the definitions directory, or set definitions.dir, to run groups and workflows by name.")
		return
	}
	if err != nil {
		rep.add("definitions", statusFail, dir, err)
		return
	}
	if !info.IsDir() {
		rep.add("definitions", statusFail, dir+" is not a directory", nil)
		return
	}
	n := countDefinitions(dir, settings.Definitions.Patterns)
	rep.add("definitions", statusOK, fmt.Sprintf("%s, %d documents", dir, n), nil)
}

func countDefinitions(dir string, patterns []string) int {
	root := os.DirFS(dir)
	seen := map[string]bool{}
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			continue
		}
		for _, rel := range matches {
			seen[rel] = true
		}
	}
	return len(seen)
}

// checkDaemon probes /healthz on the configured listen address. A
// daemon that is not running is a warning: synchronous runs work
// without it, queued work just waits.
func checkDaemon(ctx context.Context, rep *report, settings *config.Settings) {
	client, err := httpclient.New(httpclient.Config{
		Timeout:   daemonProbeTimeout,
		UserAgent: "spine-doctor/1.0",
	})
	if err != nil {
		rep.add("daemon", statusFail, "", err)
		return
	}

	addr := settings.Daemon.ListenAddr
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		rep.add("daemon", statusFail, addr, err)
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		rep.add("daemon", statusWarn, "not running on "+addr, nil)
		rep.recommend("Start spined to process queued work in the background.")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rep.add("daemon", statusWarn, fmt.Sprintf("status %d from %s", resp.StatusCode, addr), nil)
		return
	}

	var health struct {
		Status string `json:"status"`
		Uptime int64  `json:"uptime_seconds"`
		Active int64  `json:"active"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&health); err != nil {
		rep.add("daemon", statusWarn, "unreadable health response from "+addr, err)
		return
	}

	detail := fmt.Sprintf("%s on %s, up %s, %d active",
		health.Status, addr, (time.Duration(health.Uptime) * time.Second).String(), health.Active)
	rep.add("daemon", statusOK, detail, nil)
}

// checkSources reports what each domain can fetch from. The finra file
// fetcher is always registered, so a missing data dir only warns when
// no api endpoint backs it up.
func checkSources(rep *report, settings *config.Settings) {
	finra := settings.Sources.Finra
	dirOK := false
	if info, err := os.Stat(finra.DataDir); err == nil && info.IsDir() {
		dirOK = true
	}

	detail := "file: " + finra.DataDir
	if !dirOK {
		detail += " (missing)"
	}
	if finra.BaseURL != "" {
		detail += ", api: " + finra.BaseURL
	}
	if dirOK || finra.BaseURL != "" {
		rep.add("sources.finra", statusOK, detail, nil)
	} else {
		rep.add("sources.finra", statusWarn, detail, nil)
		rep.recommend("Create " + finra.DataDir + " or set sources.finra.base_url before scheduling finra work.")
	}

	prices := settings.Sources.Prices
	if prices.BaseURL != "" {
		rep.add("sources.prices", statusOK, "api: "+prices.BaseURL, nil)
	} else {
		rep.add("sources.prices", statusWarn, "no api endpoint", nil)
		rep.recommend("Set sources.prices.base_url to enable price ingestion.")
	}
}

func renderReport(cmd *cobra.Command, rep *report) {
	cmd.Println(shared.Header.Render("spine doctor"))
	cmd.Println(shared.RenderLabel("settings:") + " " + rep.SettingsPath)
	cmd.Println()

	for _, c := range rep.Checks {
		var line string
		switch c.Status {
		case statusOK:
			line = shared.RenderOK(c.Name)
		case statusWarn:
			line = shared.RenderWarn(c.Name)
		default:
			line = shared.RenderError(c.Name)
		}
		if c.Detail != "" {
			line += " " + shared.Muted.Render(c.Detail)
		}
		cmd.Println(line)
		if c.Error != "" {
			cmd.Println("    " + c.Error)
		}
	}

	if len(rep.Recommendations) > 0 {
		cmd.Println()
		cmd.Println(shared.Header.Render("recommendations"))
		for _, rec := range rep.Recommendations {
			cmd.Println("  - " + rec)
		}
	}

	cmd.Println()
	if rep.Healthy {
		cmd.Println(shared.RenderOK("no blocking issues"))
	} else {
		cmd.Println(shared.RenderError("issues found"))
	}
}

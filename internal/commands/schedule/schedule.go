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

// Package schedule implements the spine schedule commands. Each
// subcommand assembles a domain plan from the registered domain and
// the runtime's fetchers, runs one scheduler wave, renders the report,
// and exits 0, 1, or 2 for none, some, or all targets failed.
package schedule

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/registry"
	"github.com/marketspine/spine/pkg/schedule"
	"github.com/marketspine/spine/pkg/source"
)

// NewCommand creates the schedule command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run scheduler waves over recent periods",
		Long: `Schedule sweeps a domain's recent periods through its pipeline phases.

Ingest captures each partition with revision detection, normalize and
calc run over what landed, and readiness records a per-week judgment.
Partition failures are isolated: the wave continues and the exit code
reports partial (1) or total (2) failure.`,
	}

	cmd.AddCommand(newFinraCommand())
	cmd.AddCommand(newPricesCommand())

	return cmd
}

// parseMode maps --mode to the dry-run switch.
func parseMode(mode string) (bool, error) {
	switch mode {
	case "", "run":
		return false, nil
	case "dry-run":
		return true, nil
	default:
		return false, &errors.ValidationError{
			Field:      "mode",
			Message:    "unknown mode " + mode,
			Suggestion: "use run or dry-run",
		}
	}
}

// splitCSV splits a comma-separated flag value, dropping empty parts.
func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// fetcherMap collects a domain's registered fetchers by name.
func fetcherMap(reg *registry.Registry, domain string) map[string]source.Fetcher {
	out := make(map[string]source.Fetcher)
	d := reg.Domain(domain)
	for _, name := range d.Sources.Names() {
		if f, err := d.Sources.Get(name); err == nil {
			out[name] = f
		}
	}
	return out
}

// reportResponse is the JSON envelope for a scheduler report.
type reportResponse struct {
	shared.JSONResponse
	Report *schedule.Report `json:"report"`
}

// emitReport renders the report as JSON or styled text, then converts
// the report's exit code into the command error.
func emitReport(cmd *cobra.Command, command string, report *schedule.Report) error {
	if shared.GetJSON() {
		resp := reportResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: command,
				Success: report.ExitCode() == shared.ExitSuccess,
			},
			Report: report,
		}
		if err := shared.EmitJSON(resp); err != nil {
			return err
		}
	} else if !shared.GetQuiet() {
		cmd.Println(report.Render())
	}

	if code := report.ExitCode(); code != shared.ExitSuccess {
		return shared.NewSilentExit(code)
	}
	return nil
}

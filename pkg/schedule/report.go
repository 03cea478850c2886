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

package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/marketspine/spine/pkg/partition"
)

// Phase names one scheduler phase.
type Phase string

const (
	PhaseIngest    Phase = "ingest"
	PhaseNormalize Phase = "normalize"
	PhaseCalc      Phase = "calc"
	PhaseReadiness Phase = "readiness"
)

// phaseOrder is the rendering and execution order.
var phaseOrder = []Phase{PhaseIngest, PhaseNormalize, PhaseCalc, PhaseReadiness}

// Outcome is the terminal state of one partition within one phase.
type Outcome string

const (
	OutcomeIngested   Outcome = "INGESTED"
	OutcomeUnchanged  Outcome = "UNCHANGED"
	OutcomeNormalized Outcome = "NORMALIZED"
	OutcomeComputed   Outcome = "COMPUTED"
	OutcomeReady      Outcome = "READY"
	OutcomeBlocked    Outcome = "BLOCKED"
	OutcomeSkipped    Outcome = "SKIPPED"
	OutcomePlanned    Outcome = "PLANNED"
	OutcomeFailed     Outcome = "FAILED"
)

// outcomeOrder fixes the summary tally order.
var outcomeOrder = []Outcome{
	OutcomeIngested, OutcomeUnchanged, OutcomeNormalized, OutcomeComputed,
	OutcomeReady, OutcomeBlocked, OutcomeSkipped, OutcomePlanned, OutcomeFailed,
}

// PartitionResult records what happened to one partition in one phase.
type PartitionResult struct {
	Phase       Phase               `json:"phase"`
	Week        string              `json:"week,omitempty"`
	Tier        string              `json:"tier,omitempty"`
	Symbol      string              `json:"symbol,omitempty"`
	Pipeline    string              `json:"pipeline,omitempty"`
	Partition   partition.Key       `json:"partition"`
	Outcome     Outcome             `json:"outcome"`
	CaptureID   partition.CaptureID `json:"capture_id,omitempty"`
	ContentHash string              `json:"content_hash,omitempty"`
	RowCount    int64               `json:"row_count,omitempty"`
	Detail      string              `json:"detail,omitempty"`
	Error       string              `json:"error,omitempty"`
	Duration    time.Duration       `json:"duration_ns,omitempty"`
}

// Report is the full record of one scheduler wave.
type Report struct {
	Domain      string            `json:"domain"`
	BatchID     string            `json:"batch_id"`
	Targets     []string          `json:"targets"`
	DryRun      bool              `json:"dry_run,omitempty"`
	Halted      bool              `json:"halted,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Results     []PartitionResult `json:"results"`
}

// ExitCode maps the wave to the process exit code: 0 when no partition
// failed, 1 when some failed and some did not, 2 when every partition
// failed. Readiness BLOCKED is a judgment, not a failure.
func (r *Report) ExitCode() int {
	failed, other := 0, 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			failed++
		} else {
			other++
		}
	}
	switch {
	case failed == 0:
		return 0
	case other == 0:
		return 2
	default:
		return 1
	}
}

// Counts tallies results per outcome across all phases.
func (r *Report) Counts() map[Outcome]int {
	out := make(map[Outcome]int)
	for _, res := range r.Results {
		out[res.Outcome]++
	}
	return out
}

// PhaseResults returns the results of one phase in wave order.
func (r *Report) PhaseResults(phase Phase) []PartitionResult {
	var out []PartitionResult
	for _, res := range r.Results {
		if res.Phase == phase {
			out = append(out, res)
		}
	}
	return out
}

// Terminal styles for the human-readable report.
var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	styleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

func outcomeGlyph(o Outcome) (string, lipgloss.Style) {
	switch o {
	case OutcomeFailed:
		return "✗", styleError
	case OutcomeBlocked:
		return "⚠", styleWarn
	case OutcomeUnchanged, OutcomeSkipped, OutcomePlanned:
		return "•", styleMuted
	default:
		return "✓", styleOK
	}
}

// Render formats the report for a terminal: a header, one section per
// phase, and a final outcome tally.
func (r *Report) Render() string {
	printer := message.NewPrinter(language.English)
	var b strings.Builder

	fmt.Fprintf(&b, "%s  %s\n",
		styleHeader.Render("schedule "+r.Domain),
		styleMuted.Render(r.BatchID),
	)
	if len(r.Targets) > 0 {
		fmt.Fprintf(&b, "%s %s\n", styleMuted.Render("targets:"), strings.Join(r.Targets, ", "))
	}
	if r.DryRun {
		b.WriteString(styleWarn.Render("dry run: nothing fetched, dispatched, or written") + "\n")
	}

	for _, phase := range phaseOrder {
		results := r.PhaseResults(phase)
		if len(results) == 0 {
			continue
		}
		b.WriteString("\n" + styleHeader.Render(strings.ToUpper(string(phase))) + "\n")
		for _, res := range results {
			glyph, style := outcomeGlyph(res.Outcome)
			label := res.Week
			if res.Tier != "" {
				label += " " + res.Tier
			}
			if res.Symbol != "" {
				label = res.Symbol
			}
			line := fmt.Sprintf("%s %-18s %-11s", style.Render(glyph), label, res.Outcome)
			if res.RowCount > 0 {
				line += printer.Sprintf(" %d rows", res.RowCount)
			}
			if res.CaptureID != "" {
				line += "  " + styleMuted.Render(string(res.CaptureID))
			}
			if res.Detail != "" {
				line += "  " + styleMuted.Render(res.Detail)
			}
			if res.Error != "" {
				line += "  " + styleError.Render(res.Error)
			}
			b.WriteString("  " + line + "\n")
		}
	}

	counts := r.Counts()
	var parts []string
	for _, o := range outcomeOrder {
		if n := counts[o]; n > 0 {
			parts = append(parts, printer.Sprintf("%d %s", n, strings.ToLower(string(o))))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "nothing to do")
	}
	b.WriteString("\n" + styleHeader.Render("summary:") + " " + strings.Join(parts, ", "))
	if r.Halted {
		b.WriteString("  " + styleError.Render("(halted)"))
	}
	b.WriteString("\n")
	return b.String()
}

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

// Package timeline renders ASCII duration timelines for group and
// workflow step results.
package timeline

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/term"
)

const (
	// MinTerminalWidth is the minimum supported terminal width
	MinTerminalWidth = 80
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 40
	// StatusIconOK indicates successful completion
	StatusIconOK = "✓"
	// StatusIconError indicates failure
	StatusIconError = "✗"
	// StatusIconSkip indicates a step that never ran
	StatusIconSkip = "-"
)

// Entry is one rendered row: a step with its position in the run.
// Steps in a sequential run stack end to end; parallel steps overlap.
type Entry struct {
	Name      string
	StartedAt time.Time
	Duration  time.Duration
	Failed    bool
	Skipped   bool
}

// Renderer renders ASCII timelines from step entries.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer creates a renderer sized to the terminal.
func NewRenderer() (*Renderer, error) {
	width, _, err := term.GetSize(0)
	if err != nil {
		// Default to 100 if detection fails
		width = 100
	}

	if width < MinTerminalWidth {
		return nil, fmt.Errorf("terminal width %d is too narrow (minimum %d columns)", width, MinTerminalWidth)
	}

	// Reserve space for the name column, duration, status, and borders.
	// Format: "│ step_name ██████░░░░  duration  status │"
	barWidth := width - 40
	if barWidth > 60 {
		barWidth = 60
	}
	if barWidth < DefaultBarWidth {
		barWidth = DefaultBarWidth
	}

	return &Renderer{
		Width:    width,
		BarWidth: barWidth,
	}, nil
}

// Render generates an ASCII timeline for a run.
func (r *Renderer) Render(title string, entries []Entry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("no steps to render")
	}

	minTime, maxTime := r.calculateBounds(entries)
	totalDuration := maxTime.Sub(minTime)
	if totalDuration <= 0 {
		// Dry runs can finish inside one tick.
		totalDuration = time.Nanosecond
	}

	var sb strings.Builder

	border := strings.Repeat("─", r.Width-2)
	sb.WriteString("┌" + border + "┐\n")

	header := fmt.Sprintf("│ Run: %-*s Total: %s  │\n",
		r.Width-23,
		truncate(title, r.Width-23),
		formatDuration(maxTime.Sub(minTime)))
	sb.WriteString(header)

	sb.WriteString("├" + border + "┤\n")

	for _, entry := range entries {
		sb.WriteString(r.renderEntry(entry, minTime, totalDuration))
	}

	sb.WriteString("└" + border + "┘\n")

	return sb.String(), nil
}

// calculateBounds finds the earliest start and latest end across all
// entries.
func (r *Renderer) calculateBounds(entries []Entry) (time.Time, time.Time) {
	if len(entries) == 0 {
		return time.Now(), time.Now()
	}

	minTime := entries[0].StartedAt
	maxTime := entries[0].StartedAt.Add(entries[0].Duration)

	for _, entry := range entries {
		end := entry.StartedAt.Add(entry.Duration)
		if entry.StartedAt.Before(minTime) {
			minTime = entry.StartedAt
		}
		if end.After(maxTime) {
			maxTime = end
		}
	}

	return minTime, maxTime
}

// renderEntry generates a timeline line for a single step.
func (r *Renderer) renderEntry(entry Entry, minTime time.Time, totalDuration time.Duration) string {
	startOffset := entry.StartedAt.Sub(minTime)
	startPos := int(float64(startOffset) / float64(totalDuration) * float64(r.BarWidth))
	barLength := int(float64(entry.Duration) / float64(totalDuration) * float64(r.BarWidth))

	if barLength < 1 {
		barLength = 1
	}
	if startPos+barLength > r.BarWidth {
		barLength = r.BarWidth - startPos
	}

	bar := make([]rune, r.BarWidth)
	for i := 0; i < r.BarWidth; i++ {
		if !entry.Skipped && i >= startPos && i < startPos+barLength {
			bar[i] = '█'
		} else {
			bar[i] = '░'
		}
	}

	statusIcon := StatusIconOK
	switch {
	case entry.Skipped:
		statusIcon = StatusIconSkip
	case entry.Failed:
		statusIcon = StatusIconError
	}

	name := truncate(entry.Name, 20)

	return fmt.Sprintf("│ %-20s %s  %6s  %s │\n",
		name,
		string(bar),
		formatDuration(entry.Duration),
		statusIcon,
	)
}

// truncate shortens a string to maxLen with ellipsis if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

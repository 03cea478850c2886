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

package timeline

import (
	"strings"
	"testing"
	"time"
)

func TestRenderer_Render(t *testing.T) {
	base := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		title   string
		entries []Entry
		wantErr bool
		checks  []func(string) bool
	}{
		{
			name:  "single step",
			title: "otc_weekly",
			entries: []Entry{
				{Name: "ingest", StartedAt: base, Duration: 100 * time.Millisecond},
			},
			checks: []func(string) bool{
				func(s string) bool { return strings.Contains(s, "otc_weekly") },
				func(s string) bool { return strings.Contains(s, "ingest") },
				func(s string) bool { return strings.Contains(s, StatusIconOK) },
			},
		},
		{
			name:  "sequential steps stack",
			title: "otc_weekly",
			entries: []Entry{
				{Name: "ingest", StartedAt: base, Duration: 200 * time.Millisecond},
				{Name: "normalize", StartedAt: base.Add(200 * time.Millisecond), Duration: 100 * time.Millisecond},
			},
			checks: []func(string) bool{
				func(s string) bool { return strings.Contains(s, "ingest") },
				func(s string) bool { return strings.Contains(s, "normalize") },
				func(s string) bool { return strings.Contains(s, "█") },
				func(s string) bool { return strings.Contains(s, "░") },
			},
		},
		{
			name:  "failed step shows error icon",
			title: "otc_weekly",
			entries: []Entry{
				{Name: "calc_rolling", StartedAt: base, Duration: 50 * time.Millisecond, Failed: true},
			},
			checks: []func(string) bool{
				func(s string) bool { return strings.Contains(s, StatusIconError) },
				func(s string) bool { return strings.Contains(s, "calc_rolling") },
			},
		},
		{
			name:  "skipped step shows no bar",
			title: "otc_weekly",
			entries: []Entry{
				{Name: "ingest", StartedAt: base, Duration: 100 * time.Millisecond},
				{Name: "normalize", StartedAt: base, Skipped: true},
			},
			checks: []func(string) bool{
				func(s string) bool { return strings.Contains(s, StatusIconSkip) },
			},
		},
		{
			name:  "zero durations still render",
			title: "dry",
			entries: []Entry{
				{Name: "ingest", StartedAt: base},
				{Name: "normalize", StartedAt: base},
			},
			checks: []func(string) bool{
				func(s string) bool { return strings.Contains(s, "ingest") },
			},
		},
		{
			name:    "empty entries returns error",
			title:   "empty",
			entries: []Entry{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Renderer{
				Width:    100,
				BarWidth: 40,
			}

			output, err := r.Render(tt.title, tt.entries)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Render() expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Errorf("Render() unexpected error: %v", err)
				return
			}

			for i, check := range tt.checks {
				if !check(output) {
					t.Errorf("Render() check %d failed\nOutput:\n%s", i, output)
				}
			}
		})
	}
}

func TestRenderer_FailedBarKeepsPosition(t *testing.T) {
	base := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)
	r := &Renderer{Width: 100, BarWidth: 40}

	entries := []Entry{
		{Name: "first", StartedAt: base, Duration: 100 * time.Millisecond},
		{Name: "second", StartedAt: base.Add(100 * time.Millisecond), Duration: 100 * time.Millisecond, Failed: true},
	}

	output, err := r.Render("halves", entries)
	if err != nil {
		t.Fatalf("Render() unexpected error: %v", err)
	}

	lines := strings.Split(output, "\n")
	var secondLine string
	for _, line := range lines {
		if strings.Contains(line, "second") {
			secondLine = line
		}
	}
	if secondLine == "" {
		t.Fatalf("no line rendered for second step\nOutput:\n%s", output)
	}

	// The second step starts at the midpoint, so its bar begins with
	// light shading before the solid segment.
	bar := secondLine[strings.Index(secondLine, "░"):]
	if !strings.Contains(bar, "█") {
		t.Errorf("second step bar missing solid segment: %q", secondLine)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{
			name:   "short string unchanged",
			input:  "short",
			maxLen: 10,
			want:   "short",
		},
		{
			name:   "exact length unchanged",
			input:  "exactly10c",
			maxLen: 10,
			want:   "exactly10c",
		},
		{
			name:   "long string truncated",
			input:  "finra.otc_transparency.ingest_week",
			maxLen: 10,
			want:   "finra.o...",
		},
		{
			name:   "maxLen <= 3 no ellipsis",
			input:  "test",
			maxLen: 3,
			want:   "tes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("truncate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		dur  time.Duration
		want string
	}{
		{
			name: "microseconds",
			dur:  500 * time.Microsecond,
			want: "500µs",
		},
		{
			name: "milliseconds",
			dur:  150 * time.Millisecond,
			want: "150ms",
		},
		{
			name: "seconds",
			dur:  2500 * time.Millisecond,
			want: "2.5s",
		},
		{
			name: "minutes",
			dur:  90 * time.Second,
			want: "1.5m",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatDuration(tt.dur)
			if got != tt.want {
				t.Errorf("formatDuration() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCalculateBounds(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		{Name: "a", StartedAt: base, Duration: 100 * time.Millisecond},
		{Name: "b", StartedAt: base.Add(50 * time.Millisecond), Duration: 150 * time.Millisecond},
		{Name: "c", StartedAt: base.Add(10 * time.Millisecond), Duration: 140 * time.Millisecond},
	}

	r := &Renderer{Width: 100, BarWidth: 40}
	minTime, maxTime := r.calculateBounds(entries)

	if !minTime.Equal(base) {
		t.Errorf("calculateBounds() minTime = %v, want %v", minTime, base)
	}

	expectedMax := base.Add(200 * time.Millisecond)
	if !maxTime.Equal(expectedMax) {
		t.Errorf("calculateBounds() maxTime = %v, want %v", maxTime, expectedMax)
	}
}

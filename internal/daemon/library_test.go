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

package daemon

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marketspine/spine/internal/config"
)

const libraryGroup = `name: otc_weekly
domain: finra
steps:
  - name: ingest
    pipeline: finra.otc.ingest_week
`

const libraryWorkflow = `name: weekly_finra
steps:
  - name: run
    kind: pipeline
    pipeline: finra.otc.ingest_week
`

func writeDefinition(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func newTestLibrary(dir string, patterns ...string) *Library {
	return NewLibrary(
		config.DefinitionsSettings{Dir: dir, Patterns: patterns},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestLibrary_Reload(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "groups/otc.yaml", libraryGroup)
	writeDefinition(t, dir, "flows/weekly.yml", libraryWorkflow)
	writeDefinition(t, dir, "broken.yaml", "name: [unclosed")
	writeDefinition(t, dir, "notes.txt", "not a definition")

	lib := newTestLibrary(dir)
	if err := lib.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	snap := lib.Snapshot()
	if snap.Groups != 1 {
		t.Errorf("expected 1 group, got %d", snap.Groups)
	}
	if snap.Workflows != 1 {
		t.Errorf("expected 1 workflow, got %d", snap.Workflows)
	}
	if len(snap.Invalid) != 1 || !strings.HasSuffix(snap.Invalid[0], "broken.yaml") {
		t.Errorf("expected broken.yaml flagged, got %v", snap.Invalid)
	}
	if snap.LoadedAt.IsZero() {
		t.Error("expected a load timestamp")
	}
}

func TestLibrary_Reload_PicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	lib := newTestLibrary(dir)
	if err := lib.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if snap := lib.Snapshot(); snap.Groups != 0 {
		t.Fatalf("expected empty library, got %d groups", snap.Groups)
	}

	writeDefinition(t, dir, "otc.yaml", libraryGroup)
	if err := lib.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if snap := lib.Snapshot(); snap.Groups != 1 {
		t.Errorf("expected the new group, got %d", snap.Groups)
	}
}

func TestLibrary_Reload_MissingDirIsEmpty(t *testing.T) {
	lib := newTestLibrary(filepath.Join(t.TempDir(), "nope"))
	if err := lib.Reload(); err != nil {
		t.Fatalf("missing dir must not fail: %v", err)
	}
	snap := lib.Snapshot()
	if snap.Groups != 0 || snap.Workflows != 0 || len(snap.Invalid) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}

func TestLibrary_Reload_BadPattern(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "otc.yaml", libraryGroup)

	lib := newTestLibrary(dir, "[")
	if err := lib.Reload(); err == nil {
		t.Fatal("expected an error for an invalid glob pattern")
	}
}

func TestLibrary_DuplicateNamesLastWins(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "a.yaml", libraryGroup)
	writeDefinition(t, dir, "b.yaml", libraryGroup)

	lib := newTestLibrary(dir)
	if err := lib.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	// Both files parse; they collapse onto one name.
	if snap := lib.Snapshot(); snap.Groups != 1 {
		t.Errorf("expected 1 group, got %d", snap.Groups)
	}
}

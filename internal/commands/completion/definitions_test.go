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

package completion

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/commands/shared"
)

// pointAtDefinitions writes a settings file whose definitions dir is a
// fresh temp dir, and routes config loading at it for the test.
func pointAtDefinitions(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	defs := filepath.Join(base, "definitions")
	if err := os.MkdirAll(defs, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	settingsPath := filepath.Join(base, "settings.yaml")
	content := fmt.Sprintf("version: 1\ndefinitions:\n  dir: %s\n", defs)
	if err := os.WriteFile(settingsPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	shared.SetConfigPathForTest(settingsPath)
	t.Cleanup(func() { shared.SetConfigPathForTest("") })
	return defs
}

func writeDefinition(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestGroups_CompletesNames(t *testing.T) {
	defs := pointAtDefinitions(t)
	writeDefinition(t, defs, "otc.yaml", "name: otc_weekly\nsteps:\n  - name: ingest\n    pipeline: finra.otc.ingest_week\n")
	writeDefinition(t, defs, "other.yaml", "name: prices_daily\nsteps:\n  - name: ingest\n    pipeline: prices.bars.ingest_day\n")
	writeDefinition(t, defs, "flow.yaml", "name: weekly_flow\nsteps:\n  - name: run\n    kind: pipeline\n    pipeline: finra.otc.ingest_week\n")

	names, directive := Groups(nil, nil, "")
	if directive != cobra.ShellCompDirectiveDefault {
		t.Errorf("unexpected directive %v", directive)
	}
	if len(names) != 2 || names[0] != "otc_weekly" || names[1] != "prices_daily" {
		t.Errorf("expected sorted group names, got %v", names)
	}
}

func TestGroups_FiltersByPrefix(t *testing.T) {
	defs := pointAtDefinitions(t)
	writeDefinition(t, defs, "otc.yaml", "name: otc_weekly\nsteps:\n  - name: ingest\n    pipeline: finra.otc.ingest_week\n")
	writeDefinition(t, defs, "other.yaml", "name: prices_daily\nsteps:\n  - name: ingest\n    pipeline: prices.bars.ingest_day\n")

	names, _ := Groups(nil, nil, "otc")
	if len(names) != 1 || names[0] != "otc_weekly" {
		t.Errorf("expected the otc group only, got %v", names)
	}
}

func TestWorkflows_CompletesOnlyWorkflows(t *testing.T) {
	defs := pointAtDefinitions(t)
	writeDefinition(t, defs, "otc.yaml", "name: otc_weekly\nsteps:\n  - name: ingest\n    pipeline: finra.otc.ingest_week\n")
	writeDefinition(t, defs, "flow.yaml", "name: weekly_flow\nsteps:\n  - name: run\n    kind: pipeline\n    pipeline: finra.otc.ingest_week\n")

	names, _ := Workflows(nil, nil, "")
	if len(names) != 1 || names[0] != "weekly_flow" {
		t.Errorf("expected the workflow only, got %v", names)
	}
}

func TestWorkflows_EmptyDirNoSuggestions(t *testing.T) {
	pointAtDefinitions(t)

	names, _ := Workflows(nil, nil, "")
	if len(names) != 0 {
		t.Errorf("expected no suggestions, got %v", names)
	}
}

func TestLanes(t *testing.T) {
	names, directive := Lanes(nil, nil, "")
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("unexpected directive %v", directive)
	}
	if len(names) != 3 {
		t.Errorf("expected three lanes, got %v", names)
	}
}

func TestSafeCompletionWrapper_RecoversPanic(t *testing.T) {
	names, directive := SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		panic("completion bug")
	})
	if len(names) != 0 {
		t.Errorf("expected no suggestions after panic, got %v", names)
	}
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("unexpected directive %v", directive)
	}
}

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

package validate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/marketspine/spine/internal/commands/shared"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validGroup = `
name: otc_weekly
domain: finra
steps:
  - name: ingest
    pipeline: finra.otc_transparency.ingest_week
  - name: normalize
    pipeline: finra.otc_transparency.normalize_week
    depends_on: [ingest]
`

const validWorkflow = `
name: weekly_finra
steps:
  - name: ingest
    kind: pipeline
    pipeline: finra.otc_transparency.ingest_week
  - name: hold
    kind: wait
    seconds: 1
`

func TestValidateFile_ValidGroup(t *testing.T) {
	path := writeFile(t, t.TempDir(), "group.yaml", validGroup)

	result := validateFile(path)
	if !result.Valid {
		t.Fatalf("expected valid, got errors: %+v", result.Errors)
	}
	if result.Kind != "group" {
		t.Errorf("Kind = %q, want group", result.Kind)
	}
	if result.Name != "otc_weekly" {
		t.Errorf("Name = %q, want otc_weekly", result.Name)
	}
}

func TestValidateFile_ValidWorkflow(t *testing.T) {
	path := writeFile(t, t.TempDir(), "workflow.yaml", validWorkflow)

	result := validateFile(path)
	if !result.Valid {
		t.Fatalf("expected valid, got errors: %+v", result.Errors)
	}
	if result.Kind != "workflow" {
		t.Errorf("Kind = %q, want workflow", result.Kind)
	}
}

func TestValidateFile_YAMLSyntaxError(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.yaml", "name: [unclosed\nsteps:\n")

	result := validateFile(path)
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if result.Errors[0].Code != shared.ErrorCodeInvalidYAML {
		t.Errorf("Code = %q, want %q", result.Errors[0].Code, shared.ErrorCodeInvalidYAML)
	}
}

func TestValidateFile_SchemaViolation(t *testing.T) {
	// Missing pipeline on a group step.
	path := writeFile(t, t.TempDir(), "bad.yaml", `
name: otc_weekly
steps:
  - name: ingest
`)

	result := validateFile(path)
	if result.Valid {
		t.Fatal("expected invalid")
	}
	found := false
	for _, e := range result.Errors {
		if e.Code == shared.ErrorCodeSchemaViolation {
			found = true
		}
	}
	if !found {
		t.Errorf("no schema violation in %+v", result.Errors)
	}
}

func TestValidateFile_UnknownField(t *testing.T) {
	path := writeFile(t, t.TempDir(), "extra.yaml", `
name: otc_weekly
pipelines: oops
steps:
  - name: ingest
    pipeline: finra.otc_transparency.ingest_week
`)

	result := validateFile(path)
	if result.Valid {
		t.Fatal("expected invalid: additionalProperties violated")
	}
}

func TestValidateFile_DependencyCycle(t *testing.T) {
	// Passes the schema but loops a -> b -> a.
	path := writeFile(t, t.TempDir(), "cycle.yaml", `
name: loop
steps:
  - name: a
    pipeline: finra.otc_transparency.ingest_week
    depends_on: [b]
  - name: b
    pipeline: finra.otc_transparency.normalize_week
    depends_on: [a]
`)

	result := validateFile(path)
	if result.Valid {
		t.Fatal("expected invalid: cycle")
	}
}

func TestValidateFile_MissingDependency(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dangling.yaml", `
name: dangling
steps:
  - name: normalize
    pipeline: finra.otc_transparency.normalize_week
    depends_on: [ingest]
`)

	result := validateFile(path)
	if result.Valid {
		t.Fatal("expected invalid: missing dependency")
	}
	if result.Errors[0].Code != shared.ErrorCodeInvalidReference {
		t.Errorf("Code = %q, want %q", result.Errors[0].Code, shared.ErrorCodeInvalidReference)
	}
	if result.Errors[0].Step != "normalize" {
		t.Errorf("Step = %q, want normalize", result.Errors[0].Step)
	}
}

func TestValidateFile_WorkflowChoiceMissingThen(t *testing.T) {
	path := writeFile(t, t.TempDir(), "choice.yaml", `
name: choosy
steps:
  - name: decide
    kind: choice
    condition: .params.force == true
`)

	result := validateFile(path)
	if result.Valid {
		t.Fatal("expected invalid: choice without then")
	}
	if result.Kind != "workflow" {
		t.Errorf("Kind = %q, want workflow", result.Kind)
	}
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", validGroup)
	writeFile(t, dir, filepath.Join("nested", "b.yml"), validWorkflow)
	writeFile(t, dir, "notes.txt", "not yaml")

	files, err := collectFiles(dir)
	if err != nil {
		t.Fatalf("collectFiles() unexpected error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2: %v", len(files), files)
	}
}

func TestIsWorkflowDoc(t *testing.T) {
	if isWorkflowDoc([]byte(validGroup)) {
		t.Error("group misread as workflow")
	}
	if !isWorkflowDoc([]byte(validWorkflow)) {
		t.Error("workflow misread as group")
	}
}

func TestRunValidate_MissingPath(t *testing.T) {
	cmd := NewCommand()
	err := runValidate(cmd, filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing path")
	}
	exitErr, ok := err.(*shared.ExitError)
	if !ok {
		t.Fatalf("expected *shared.ExitError, got %T", err)
	}
	if exitErr.Code != shared.ExitTotalFailure {
		t.Errorf("Code = %d, want %d", exitErr.Code, shared.ExitTotalFailure)
	}
}

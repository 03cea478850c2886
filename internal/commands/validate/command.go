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

// Package validate implements `spine validate`: layered validation of
// group and workflow definitions. A file passes through three layers
// in order: YAML syntax, the embedded JSON Schema for its document
// kind, and the semantic rules the loaders enforce (unique names,
// dependency resolution, cycle detection, step-kind fields). All
// errors are reported, not just the first.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/marketspine/spine/internal/commands/shared"
	pkgerrors "github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/group"
	"github.com/marketspine/spine/pkg/workflow"
	"github.com/marketspine/spine/schemas"
)

// defaultPatterns select definition files under a directory argument.
var defaultPatterns = []string{"**/*.yaml", "**/*.yml"}

// fileResult is the per-file outcome.
type fileResult struct {
	Path   string             `json:"path"`
	Kind   string             `json:"kind"`
	Name   string             `json:"name,omitempty"`
	Valid  bool               `json:"valid"`
	Errors []shared.JSONError `json:"errors,omitempty"`
}

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate PATH",
		Short: "Validate group and workflow definitions",
		Long: `Validate group and workflow definitions without running anything.

PATH is a definition file or a directory; directories are scanned for
YAML documents. Each file passes through three layers: YAML syntax,
the embedded JSON Schema for its document kind, and the semantic
rules the loaders enforce (unique step names, dependency resolution,
cycle detection, step-kind fields). Workflow documents are recognized
by the kind field on their steps.`,
		Example: `  spine validate definitions/otc_weekly.yaml
  spine validate definitions/
  spine validate definitions/ --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}

	return cmd
}

func runValidate(cmd *cobra.Command, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if shared.GetJSON() {
			shared.EmitJSONError("validate", []shared.JSONError{{
				Code:       shared.ErrorCodeFileNotFound,
				Message:    fmt.Sprintf("cannot read %s: %v", path, err),
				Suggestion: "Check that the path exists",
			}})
			return shared.NewSilentExit(shared.ExitTotalFailure)
		}
		return shared.NewInvalidInputError("validate", err)
	}

	var files []string
	if info.IsDir() {
		files, err = collectFiles(path)
		if err != nil {
			return shared.NewInvalidInputError("validate", err)
		}
		if len(files) == 0 {
			return shared.NewInvalidInputError("validate",
				fmt.Errorf("no YAML definitions under %s", path))
		}
	} else {
		files = []string{path}
	}

	results := make([]fileResult, 0, len(files))
	failed := 0
	for _, file := range files {
		result := validateFile(file)
		if !result.Valid {
			failed++
		}
		results = append(results, result)
	}

	if shared.GetJSON() {
		resp := struct {
			shared.JSONResponse
			Files []fileResult `json:"files"`
		}{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "validate",
				Success: failed == 0,
			},
			Files: results,
		}
		if err := shared.EmitJSON(resp); err != nil {
			return shared.NewExecutionError("emit json", err)
		}
	} else if !shared.GetQuiet() {
		renderResults(cmd, results, failed)
	}

	if failed > 0 {
		return shared.NewSilentExit(shared.ExitPartialFailure)
	}
	return nil
}

// collectFiles globs the default patterns under dir.
func collectFiles(dir string) ([]string, error) {
	root := os.DirFS(dir)
	seen := map[string]bool{}
	var files []string
	for _, pattern := range defaultPatterns {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			return nil, err
		}
		for _, rel := range matches {
			if seen[rel] {
				continue
			}
			seen[rel] = true
			files = append(files, filepath.Join(dir, rel))
		}
	}
	sort.Strings(files)
	return files, nil
}

// validateFile runs the three layers on one file and collects every
// error it can surface.
func validateFile(path string) fileResult {
	result := fileResult{Path: path, Kind: "group"}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Errors = append(result.Errors, shared.JSONError{
			Code:    shared.ErrorCodeFileNotFound,
			File:    path,
			Message: fmt.Sprintf("cannot read file: %v", err),
		})
		return result
	}

	if isWorkflowDoc(data) {
		result.Kind = "workflow"
	}

	// Layer 1: YAML syntax.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		line, col := yamlErrorLocation(err)
		jsonErr := shared.JSONError{
			Code:       shared.ErrorCodeInvalidYAML,
			File:       path,
			Message:    fmt.Sprintf("YAML syntax error: %v", err),
			Suggestion: "Check YAML syntax and indentation",
		}
		if line > 0 {
			jsonErr.Location = &shared.JSONLocation{Line: line, Column: col}
		}
		result.Errors = append(result.Errors, jsonErr)
		return result
	}
	result.Name = docName(data)

	// Layer 2: structural, against the embedded schema.
	if errs := validateSchema(path, result.Kind, doc); len(errs) > 0 {
		result.Errors = append(result.Errors, errs...)
		return result
	}

	// Layer 3: semantic, via the loaders.
	if err := validateSemantics(result.Kind, data); err != nil {
		result.Errors = append(result.Errors, semanticError(path, err))
		return result
	}

	result.Valid = true
	return result
}

// isWorkflowDoc sniffs the document kind. Workflow steps carry a kind
// field; group steps never do.
func isWorkflowDoc(data []byte) bool {
	var probe struct {
		Steps []struct {
			Kind string `yaml:"kind"`
		} `yaml:"steps"`
	}
	if yaml.Unmarshal(data, &probe) != nil {
		return false
	}
	for _, s := range probe.Steps {
		if s.Kind != "" {
			return true
		}
	}
	return false
}

// docName pulls the name field out of a parsed document.
func docName(data []byte) string {
	var probe struct {
		Name string `yaml:"name"`
	}
	if yaml.Unmarshal(data, &probe) != nil {
		return ""
	}
	return probe.Name
}

// validateSchema checks doc against the embedded schema for kind. The
// YAML value round-trips through encoding/json so the validator sees
// JSON-typed values.
func validateSchema(path, kind string, doc any) []shared.JSONError {
	var (
		schema *jsonschema.Schema
		err    error
	)
	if kind == "workflow" {
		schema, err = schemas.Workflow()
	} else {
		schema, err = schemas.Group()
	}
	if err != nil {
		return []shared.JSONError{{
			Code:    shared.ErrorCodeInternal,
			File:    path,
			Message: fmt.Sprintf("embedded schema failed to compile: %v", err),
		}}
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return []shared.JSONError{{
			Code:    shared.ErrorCodeInvalidYAML,
			File:    path,
			Message: fmt.Sprintf("document does not convert to JSON: %v", err),
		}}
	}
	var jsonDoc any
	if err := json.Unmarshal(jsonBytes, &jsonDoc); err != nil {
		return []shared.JSONError{{
			Code:    shared.ErrorCodeInternal,
			File:    path,
			Message: err.Error(),
		}}
	}

	if err := schema.Validate(jsonDoc); err != nil {
		return schemaErrors(path, err)
	}
	return nil
}

// schemaErrors flattens a jsonschema validation error into one entry
// per leaf cause, keeping the instance location.
func schemaErrors(path string, err error) []shared.JSONError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []shared.JSONError{{
			Code:    shared.ErrorCodeSchemaViolation,
			File:    path,
			Message: err.Error(),
		}}
	}

	leaves := flattenCauses(ve)
	out := make([]shared.JSONError, 0, len(leaves))
	for _, leaf := range leaves {
		msg := leaf.Message
		if leaf.InstanceLocation != "" {
			msg = fmt.Sprintf("%s: %s", leaf.InstanceLocation, leaf.Message)
		}
		out = append(out, shared.JSONError{
			Code:    shared.ErrorCodeSchemaViolation,
			File:    path,
			Message: msg,
		})
	}
	return out
}

func flattenCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range ve.Causes {
		out = append(out, flattenCauses(cause)...)
	}
	return out
}

// validateSemantics runs the loader for the document kind. Group
// documents also go through plan resolution, which is where duplicate
// names, missing dependencies, and cycles surface.
func validateSemantics(kind string, data []byte) error {
	if kind == "workflow" {
		_, err := workflow.Parse(data)
		return err
	}
	g, err := group.Parse(data)
	if err != nil {
		return err
	}
	_, err = group.NewResolver().Resolve(g, nil)
	return err
}

// semanticError converts a loader error into a structured entry,
// keeping the typed context the loaders attach.
func semanticError(path string, err error) shared.JSONError {
	jsonErr := shared.JSONError{
		Code:    shared.ErrorCodeSchemaViolation,
		File:    path,
		Message: err.Error(),
	}

	var ve *pkgerrors.ValidationError
	var de *pkgerrors.DependencyError
	switch {
	case errors.As(err, &ve):
		jsonErr.Suggestion = ve.Suggestion
	case errors.As(err, &de):
		jsonErr.Code = shared.ErrorCodeInvalidReference
		jsonErr.Step = de.Step
	}
	return jsonErr
}

// yamlErrorLocation pulls a line number out of a yaml.v3 error when
// one is present.
func yamlErrorLocation(err error) (line, col int) {
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		if _, scanErr := fmt.Sscanf(typeErr.Errors[0], "line %d:", &line); scanErr == nil {
			return line, 0
		}
		return 0, 0
	}

	msg := err.Error()
	if i := strings.Index(msg, "line "); i >= 0 {
		if _, scanErr := fmt.Sscanf(msg[i:], "line %d:", &line); scanErr == nil {
			return line, 0
		}
	}
	return 0, 0
}

func renderResults(cmd *cobra.Command, results []fileResult, failed int) {
	for _, result := range results {
		label := result.Kind
		if result.Name != "" {
			label += " " + result.Name
		}

		if result.Valid {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n",
				shared.RenderOK(result.Path), shared.Muted.Render("("+label+")"))
			continue
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n",
			shared.RenderError(result.Path), shared.Muted.Render("("+label+")"))
		for _, ve := range result.Errors {
			if ve.Location != nil && ve.Location.Line > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s:%d: error: %s\n", result.Path, ve.Location.Line, ve.Message)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %s\n", result.Path, ve.Message)
			}
			if ve.Suggestion != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "  Suggestion: %s\n", ve.Suggestion)
			}
		}
	}

	if failed > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d definitions failed validation\n", failed, len(results))
	} else if len(results) > 1 {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d definitions valid\n", len(results))
	}
}

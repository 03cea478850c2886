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

// Package run implements `spine run` and `spine resume`: one-shot
// execution of group and workflow definitions from the command line.
//
// Definitions resolve either from an explicit file path or by name
// from the configured definitions directory. Group runs resolve their
// plan against the registry before anything executes; workflow runs
// checkpoint through the runtime's checkpoint store so a failed run
// can be continued with resume.
package run

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/cli/format"
	"github.com/marketspine/spine/internal/cli/timeline"
	pkgerrors "github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/pipeline"
)

// NewCommand builds `spine run` with its group and workflow
// subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a group or workflow definition",
		Long: `Run a group or workflow definition once, outside the scheduler.

The argument is either a path to a YAML definition or the name of a
definition found in the definitions directory.`,
	}

	cmd.AddCommand(newGroupCommand())
	cmd.AddCommand(newWorkflowCommand())

	return cmd
}

// parseParams turns repeated key=value flags into run params. Only
// the first = splits, so values may contain =.
func parseParams(raw []string) (pipeline.Params, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(pipeline.Params, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, &pkgerrors.ValidationError{
				Field:   "param",
				Message: fmt.Sprintf("%q is not key=value", kv),
			}
		}
		params[key] = value
	}
	return params, nil
}

// renderTimeline draws the duration bars when the terminal can take
// them. Non-TTY output keeps to the step lines.
func renderTimeline(title string, entries []timeline.Entry) {
	if !format.IsTTY() || len(entries) < 2 {
		return
	}
	r, err := timeline.NewRenderer()
	if err != nil {
		return
	}
	out, err := r.Render(title, entries)
	if err != nil {
		return
	}
	fmt.Println()
	fmt.Print(out)
}

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

package run

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/cli/format"
	"github.com/marketspine/spine/internal/cli/timeline"
	"github.com/marketspine/spine/internal/commands/completion"
	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/pkg/workflow"
)

func newWorkflowCommand() *cobra.Command {
	var (
		params []string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "workflow NAME|FILE",
		Short: "Run a workflow definition",
		Long: `Run a workflow definition once.

Steps run in order with checkpoints persisted under the workflow's
checkpoint policy, so a failed run can be continued with spine resume.
A dry run walks every step without side effects: pipeline steps
synthesize success and handlers see the dry-run flag.`,
		Example: `  spine run workflow weekly_finra
  spine run workflow ./definitions/weekly.yaml --param week_ending=2025-08-15
  spine run workflow weekly_finra --dry-run`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.Workflows,
		RunE: func(cmd *cobra.Command, args []string) error {
			runParams, err := parseParams(params)
			if err != nil {
				return shared.NewInvalidInputError("run workflow", err)
			}

			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return shared.NewInvalidInputError("startup failed", err)
			}
			defer rt.Close()

			path, err := resolveDefinition(rt.Settings.Definitions, args[0], docWorkflow)
			if err != nil {
				return shared.NewInvalidInputError("run workflow", err)
			}

			wf, err := workflow.Load(path)
			if err != nil {
				return shared.NewInvalidInputError("run workflow", err)
			}

			runner := workflow.NewRunner(rt.Dispatcher, workflow.NewHandlers(),
				workflow.WithCheckpointStore(rt.Checkpoints),
				workflow.WithLogger(rt.Logger))

			var opts []workflow.RunOption
			if dryRun {
				opts = append(opts, workflow.WithDryRun())
			}

			result, err := runner.Run(ctx, wf, runParams, opts...)
			if err != nil {
				return shared.NewInvalidInputError("run workflow", err)
			}

			return emitWorkflowResult("run workflow", result)
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Run parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Walk the workflow without side effects")

	return cmd
}

// workflowExitCode folds the run status into the exit contract: 0
// completed, 1 failed with completed steps behind it, 2 failed with
// nothing done.
func workflowExitCode(result *workflow.RunResult) int {
	if !result.Failed() {
		return shared.ExitSuccess
	}
	if len(result.Completed) > 0 {
		return shared.ExitPartialFailure
	}
	return shared.ExitTotalFailure
}

func emitWorkflowResult(command string, result *workflow.RunResult) error {
	code := workflowExitCode(result)

	if shared.GetJSON() {
		resp := struct {
			shared.JSONResponse
			Run *workflow.RunResult `json:"run"`
		}{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: command,
				Success: code == shared.ExitSuccess,
			},
			Run: result,
		}
		if err := shared.EmitJSON(resp); err != nil {
			return shared.NewExecutionError("emit json", err)
		}
	} else if !shared.GetQuiet() {
		renderWorkflowResult(result)
	}

	if code != shared.ExitSuccess {
		return shared.NewSilentExit(code)
	}
	return nil
}

func renderWorkflowResult(result *workflow.RunResult) {
	fmt.Printf("%s %s (run %s)\n", shared.RenderLabel("Workflow:"), result.Workflow, result.RunID)
	if result.DryRun {
		fmt.Println(shared.Muted.Render("dry run: no side effects"))
	}
	fmt.Println()

	for _, step := range result.Steps {
		var status string
		switch step.Status {
		case workflow.StepSkipped:
			status = shared.Muted.Render("[" + string(step.Status) + "]")
		case workflow.StepCompleted:
			status = shared.RenderStatus(true, string(step.Status))
		default:
			status = shared.RenderStatus(false, string(step.Status))
		}

		detail := string(step.Kind)
		if step.PreExisting {
			detail += ", from checkpoint"
		}
		if step.Attempts > 1 {
			detail += fmt.Sprintf(", attempts=%d", step.Attempts)
		}

		fmt.Printf("  %s %s %s %s\n", status, step.Name,
			shared.Muted.Render("("+detail+")"),
			step.Duration.Round(time.Millisecond))

		if step.Error != "" {
			fmt.Printf("      %s\n", shared.Muted.Render(format.Sanitize(step.Error)))
		}
	}

	fmt.Println()
	if result.Failed() {
		fmt.Printf("%s at %s (%s) in %s\n",
			shared.RenderStatus(false, string(result.Status)),
			result.ErrorStep, result.Category,
			result.Duration.Round(time.Millisecond))
		if !result.DryRun {
			fmt.Printf("%s spine resume %s\n", shared.RenderLabel("Resume:"), result.RunID)
		}
	} else {
		fmt.Printf("%s in %s\n",
			shared.RenderStatus(true, string(result.Status)),
			result.Duration.Round(time.Millisecond))
	}

	renderTimeline(result.Workflow, workflowEntries(result.Steps))
}

// workflowEntries projects ran steps onto the timeline. Steps that
// completed before a resume, and steps skipped by a choice, have no
// bar to draw.
func workflowEntries(steps []workflow.StepRecord) []timeline.Entry {
	entries := make([]timeline.Entry, 0, len(steps))
	for _, step := range steps {
		if step.StartedAt.IsZero() {
			continue
		}
		entries = append(entries, timeline.Entry{
			Name:      step.Name,
			StartedAt: step.StartedAt,
			Duration:  step.Duration,
			Failed:    step.Status == workflow.StepFailed,
		})
	}
	return entries
}

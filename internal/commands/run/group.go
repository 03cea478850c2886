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
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/group"
	"github.com/marketspine/spine/pkg/partition"
)

func newGroupCommand() *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "group NAME|FILE",
		Short: "Run a pipeline group",
		Long: `Run a pipeline group once.

The plan is resolved against the registry before anything executes:
unknown pipelines, missing dependencies, and cycles all fail the run
up front. Steps then run under the group's execution policy with a
fresh batch id.`,
		Example: `  spine run group otc_weekly
  spine run group ./definitions/otc_weekly.yaml --param week_ending=2025-08-15
  spine run group otc_weekly --json`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.Groups,
		RunE: func(cmd *cobra.Command, args []string) error {
			runParams, err := parseParams(params)
			if err != nil {
				return shared.NewInvalidInputError("run group", err)
			}

			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return shared.NewInvalidInputError("startup failed", err)
			}
			defer rt.Close()

			path, err := resolveDefinition(rt.Settings.Definitions, args[0], docGroup)
			if err != nil {
				return shared.NewInvalidInputError("run group", err)
			}

			g, err := group.Load(path)
			if err != nil {
				return shared.NewInvalidInputError("run group", err)
			}

			resolver := group.NewResolver(group.WithRegistryCheck(rt.Registry))
			plan, err := resolver.Resolve(g, runParams)
			if err != nil {
				return shared.NewInvalidInputError("run group", err)
			}

			runner := group.NewRunner(rt.Dispatcher, group.WithLogger(rt.Logger))
			result, err := runner.Run(ctx, plan, execution.TriggerCLI)
			if err != nil {
				return shared.NewExecutionError("run group", err)
			}

			return emitGroupResult(result)
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Run parameter as key=value (repeatable)")

	return cmd
}

// groupView is the JSON projection of a group run.
type groupView struct {
	Group    string          `json:"group"`
	Version  string          `json:"version,omitempty"`
	BatchID  string          `json:"batch_id"`
	Status   group.Status    `json:"status"`
	Steps    []groupStepView `json:"steps"`
	Duration time.Duration   `json:"duration_ns"`
}

type groupStepView struct {
	Name      string              `json:"name"`
	Pipeline  string              `json:"pipeline"`
	Status    group.StepStatus    `json:"status"`
	CaptureID partition.CaptureID `json:"capture_id,omitempty"`
	RowCount  int64               `json:"row_count,omitempty"`
	Error     string              `json:"error,omitempty"`
	Duration  time.Duration       `json:"duration_ns"`
}

func newGroupView(result *group.RunResult) groupView {
	view := groupView{
		Group:    result.Plan.GroupName,
		Version:  result.Plan.GroupVersion,
		BatchID:  result.Plan.BatchID,
		Status:   result.Status,
		Steps:    make([]groupStepView, 0, len(result.Steps)),
		Duration: result.Duration,
	}
	for _, se := range result.Steps {
		step := groupStepView{
			Name:     se.Step.Name,
			Pipeline: se.Step.Pipeline,
			Status:   se.Status,
			Error:    se.Error,
			Duration: se.Duration,
		}
		if se.Execution != nil {
			step.CaptureID = se.Execution.Result.CaptureID
			step.RowCount = se.Execution.Result.RowCount
		}
		view.Steps = append(view.Steps, step)
	}
	return view
}

// groupExitCode folds step outcomes into the exit contract: 0 all
// completed, 1 some failed, 2 nothing completed.
func groupExitCode(result *group.RunResult) int {
	var completed, failed int
	for _, se := range result.Steps {
		switch se.Status {
		case group.StepCompleted:
			completed++
		case group.StepFailed, group.StepCancelled:
			failed++
		}
	}
	switch {
	case failed == 0:
		return shared.ExitSuccess
	case completed > 0:
		return shared.ExitPartialFailure
	default:
		return shared.ExitTotalFailure
	}
}

func emitGroupResult(result *group.RunResult) error {
	code := groupExitCode(result)

	if shared.GetJSON() {
		resp := struct {
			shared.JSONResponse
			Run groupView `json:"run"`
		}{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "run group",
				Success: code == shared.ExitSuccess,
			},
			Run: newGroupView(result),
		}
		if err := shared.EmitJSON(resp); err != nil {
			return shared.NewExecutionError("emit json", err)
		}
	} else if !shared.GetQuiet() {
		renderGroupResult(result)
	}

	if code != shared.ExitSuccess {
		return shared.NewSilentExit(code)
	}
	return nil
}

func renderGroupResult(result *group.RunResult) {
	fmt.Printf("%s %s (%s)\n\n", shared.RenderLabel("Group:"), result.Plan.GroupName, result.Plan.BatchID)

	for _, se := range result.Steps {
		var status string
		switch se.Status {
		case group.StepSkipped:
			status = shared.Muted.Render("[" + string(se.Status) + "]")
		case group.StepCompleted:
			status = shared.RenderStatus(true, string(se.Status))
		default:
			status = shared.RenderStatus(false, string(se.Status))
		}

		fmt.Printf("  %s %s %s %s\n", status, se.Step.Name,
			shared.Muted.Render(se.Step.Pipeline),
			se.Duration.Round(time.Millisecond))

		if se.Execution != nil && se.Execution.Result.RowCount > 0 {
			fmt.Printf("      %s\n", shared.Muted.Render(fmt.Sprintf("rows=%d capture=%s",
				se.Execution.Result.RowCount, se.Execution.Result.CaptureID)))
		}
		if se.Error != "" {
			fmt.Printf("      %s\n", shared.Muted.Render(format.Sanitize(se.Error)))
		}
	}

	ok := result.Status == group.StatusCompleted
	fmt.Printf("\n%s in %s\n", shared.RenderStatus(ok, string(result.Status)),
		result.Duration.Round(time.Millisecond))

	renderTimeline(result.Plan.GroupName, groupEntries(result.Steps))
}

// groupEntries projects ran steps onto the timeline. Skipped steps
// never started, so they have no bar to draw.
func groupEntries(steps []group.StepExecution) []timeline.Entry {
	entries := make([]timeline.Entry, 0, len(steps))
	for _, se := range steps {
		if se.StartedAt.IsZero() {
			continue
		}
		entries = append(entries, timeline.Entry{
			Name:      se.Step.Name,
			StartedAt: se.StartedAt,
			Duration:  se.Duration,
			Failed:    se.Status == group.StepFailed || se.Status == group.StepCancelled,
		})
	}
	return entries
}

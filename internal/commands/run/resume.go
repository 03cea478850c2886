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
	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/pkg/workflow"
)

// NewResumeCommand builds the top-level `spine resume`.
func NewResumeCommand() *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume a checkpointed workflow run",
		Long: `Resume a failed workflow run from its last checkpoint.

The run's workflow is looked up by name in the definitions directory.
Steps that completed before the failure do not run again; overrides
given with --param merge over the checkpointed context.`,
		Example: `  spine resume 7f3b2c1a-90e4-4b8a-b26d-5a1f0c9d8e77
  spine resume 7f3b2c1a-90e4-4b8a-b26d-5a1f0c9d8e77 --param week_ending=2025-08-22`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseParams(params)
			if err != nil {
				return shared.NewInvalidInputError("resume", err)
			}

			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return shared.NewInvalidInputError("startup failed", err)
			}
			defer rt.Close()

			runID := args[0]
			cp, err := rt.Checkpoints.Load(ctx, runID)
			if err != nil {
				return shared.NewInvalidInputError("resume", err)
			}

			path, err := resolveDefinition(rt.Settings.Definitions, cp.Workflow, docWorkflow)
			if err != nil {
				return shared.NewInvalidInputError("resume", err)
			}

			wf, err := workflow.Load(path)
			if err != nil {
				return shared.NewInvalidInputError("resume", err)
			}

			runner := workflow.NewRunner(rt.Dispatcher, workflow.NewHandlers(),
				workflow.WithCheckpointStore(rt.Checkpoints),
				workflow.WithLogger(rt.Logger))

			result, err := runner.Resume(ctx, wf, runID, overrides)
			if err != nil {
				return shared.NewInvalidInputError("resume", err)
			}

			return emitWorkflowResult("resume", result)
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Override parameter as key=value (repeatable)")

	return cmd
}

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

package workflow

import (
	"time"

	"github.com/marketspine/spine/pkg/errors"
)

// StepResult is what a step hands back to the runner: whether it
// succeeded, what to publish as the step's output, and what to merge
// into the context params for later steps.
type StepResult struct {
	// Success marks the step completed.
	Success bool `json:"success"`

	// Output becomes ctx.StepOutputs[step] on success.
	Output map[string]any `json:"output,omitempty"`

	// ContextUpdates merge over ctx.Params on success.
	ContextUpdates map[string]any `json:"context_updates,omitempty"`

	// Error holds the failure text when Success is false.
	Error string `json:"error,omitempty"`

	// Category classifies the failure for retry decisions.
	Category errors.Category `json:"category,omitempty"`

	// Quality carries step-level quality metrics.
	Quality map[string]float64 `json:"quality,omitempty"`

	// Events are free-form audit notes attached to the step record.
	Events []string `json:"events,omitempty"`

	// NextStep requests a forward jump; steps between here and the
	// target are skipped. Choice steps set this.
	NextStep string `json:"next_step,omitempty"`
}

// OK builds a successful result with the given output.
func OK(output map[string]any) StepResult {
	return StepResult{Success: true, Output: output}
}

// Fail builds a failed result. An empty category is inferred from err.
func Fail(err error, category errors.Category) StepResult {
	if category == "" {
		category = errors.CategoryOf(err)
	}
	return StepResult{Success: false, Error: err.Error(), Category: category}
}

// Status is the terminal state of a workflow run.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// StepStatus is the terminal state of one step within a run.
type StepStatus string

const (
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// StepRecord is the per-step entry in a run result.
type StepRecord struct {
	Name     string          `json:"name"`
	Kind     StepKind        `json:"kind"`
	Status   StepStatus      `json:"status"`
	Output   map[string]any  `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Category errors.Category `json:"category,omitempty"`

	// Attempts counts executions including retries; 0 for steps that
	// never ran (skipped, or completed before a resume).
	Attempts int `json:"attempts"`

	// PreExisting marks steps completed before a resume.
	PreExisting bool `json:"pre_existing,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// RunResult is the terminal record of a workflow run.
type RunResult struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
	Status   Status `json:"status"`

	// Context is the final context after the last merged step.
	Context WorkflowContext `json:"context"`

	// Steps holds one record per definition step, in definition order.
	Steps []StepRecord `json:"steps"`

	// Completed lists completed step names in traversal order. On a
	// resume, steps completed before the checkpoint come first.
	Completed []string `json:"completed_steps"`

	// ErrorStep names the step that failed the run.
	ErrorStep string          `json:"error_step,omitempty"`
	Error     string          `json:"error,omitempty"`
	Category  errors.Category `json:"category,omitempty"`

	Duration time.Duration `json:"duration"`
	Resumed  bool          `json:"resumed,omitempty"`
	DryRun   bool          `json:"dry_run,omitempty"`
}

// Failed reports whether the run ended FAILED.
func (r *RunResult) Failed() bool {
	return r.Status == StatusFailed
}

// Record returns the step record by name, nil when unknown.
func (r *RunResult) Record(name string) *StepRecord {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// Output returns the output of the last completed step, which is the
// workflow's result by convention. Nil when nothing completed.
func (r *RunResult) Output() map[string]any {
	if len(r.Completed) == 0 {
		return nil
	}
	out, _ := r.Context.Output(r.Completed[len(r.Completed)-1])
	return out
}

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

package group

import (
	"context"
	"log/slog"
	"time"

	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/pkg/dispatch"
	"github.com/marketspine/spine/pkg/execution"
)

// StepStatus is a planned step's state during and after a group run.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// Status is the aggregated state of a group run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusPartial   Status = "PARTIAL"
)

// Aggregate folds child step statuses into the group status.
func Aggregate(children []StepStatus) Status {
	if len(children) == 0 {
		return StatusPending
	}

	var completed, running, failed, cancelled, pending int
	for _, s := range children {
		switch s {
		case StepCompleted:
			completed++
		case StepRunning:
			running++
		case StepFailed:
			failed++
		case StepCancelled:
			cancelled++
		case StepPending:
			pending++
		}
	}

	switch {
	case completed == len(children):
		return StatusCompleted
	case running > 0:
		return StatusRunning
	case failed > 0:
		return StatusFailed
	case cancelled > 0:
		return StatusCancelled
	case pending == len(children):
		return StatusPending
	default:
		return StatusPartial
	}
}

// StepExecution is the record of one planned step's run.
type StepExecution struct {
	Step      PlannedStep
	Status    StepStatus
	Execution *dispatch.Execution
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// RunResult is the terminal record of a group run, steps in plan
// order.
type RunResult struct {
	Plan     *Plan
	Status   Status
	Steps    []StepExecution
	Duration time.Duration
}

// StepStatuses projects the per-step statuses in plan order.
func (r *RunResult) StepStatuses() []StepStatus {
	out := make([]StepStatus, len(r.Steps))
	for i := range r.Steps {
		out[i] = r.Steps[i].Status
	}
	return out
}

// Failed reports whether the aggregated status is FAILED.
func (r *RunResult) Failed() bool {
	return r.Status == StatusFailed
}

// Runner drives execution plans through the dispatcher.
type Runner struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithNowFunc overrides the clock for deterministic tests.
func WithNowFunc(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner builds a Runner over a dispatcher.
func NewRunner(d *dispatch.Dispatcher, opts ...RunnerOption) *Runner {
	r := &Runner{
		dispatcher: d,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithComponent(r.logger, "group")
	return r
}

// Run executes a plan under its policy and returns the per-step
// record. All pipeline runs inherit the plan's batch id; trigger names
// who asked for the group run.
func (r *Runner) Run(ctx context.Context, plan *Plan, trigger execution.TriggerSource) (*RunResult, error) {
	if plan.Policy.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx,
			time.Duration(plan.Policy.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	logger := r.logger.With(
		slog.String("group", plan.GroupName),
		slog.String(log.BatchIDKey, plan.BatchID),
	)
	logger.Info("group started",
		slog.String(log.EventKey, "group_started"),
		slog.String("execution", string(plan.Policy.Execution)),
		slog.Int("steps", len(plan.Steps)),
	)

	started := r.now()
	var result *RunResult
	if plan.Policy.Execution == ExecutionParallel {
		result = r.runParallel(ctx, plan, trigger, logger)
	} else {
		result = r.runSequential(ctx, plan, trigger, logger)
	}
	result.Duration = r.now().Sub(started)
	result.Status = Aggregate(result.StepStatuses())

	logger.Info("group finished",
		slog.String(log.EventKey, "group_finished"),
		slog.String("status", string(result.Status)),
		slog.Int64(log.DurationKey, result.Duration.Milliseconds()),
	)
	return result, nil
}

// runSequential walks the plan order. A failure under stop policy
// skips everything after it; under continue, only steps depending on
// the failure are skipped.
func (r *Runner) runSequential(ctx context.Context, plan *Plan, trigger execution.TriggerSource, logger *slog.Logger) *RunResult {
	result := newRunResult(plan)
	unrunnable := map[string]bool{}
	stopped := false

	for i := range result.Steps {
		se := &result.Steps[i]
		if stopped || unrunnable[se.Step.Name] || ctx.Err() != nil {
			se.Status = StepSkipped
			continue
		}

		r.runStep(ctx, plan, se, trigger, logger)

		if se.Status == StepFailed {
			markDependents(plan, se.Step.Name, unrunnable)
			if plan.Policy.OnFailure == OnFailureStop {
				stopped = true
			}
		}
	}
	return result
}

// runParallel drives a ready set: steps whose dependencies completed.
// Submission is bounded by MaxConcurrency; a failure under stop policy
// refuses new submissions and waits for in-flight runs to finish.
func (r *Runner) runParallel(ctx context.Context, plan *Plan, trigger execution.TriggerSource, logger *slog.Logger) *RunResult {
	result := newRunResult(plan)
	index := make(map[string]*StepExecution, len(result.Steps))
	for i := range result.Steps {
		index[result.Steps[i].Step.Name] = &result.Steps[i]
	}

	completed := map[string]bool{}
	unrunnable := map[string]bool{}
	done := make(chan string, len(result.Steps))
	inFlight := 0
	stopped := false

	ready := func(se *StepExecution) bool {
		if se.Status != StepPending || unrunnable[se.Step.Name] {
			return false
		}
		for _, dep := range se.Step.DependsOn {
			if !completed[dep] {
				return false
			}
		}
		return true
	}

	for {
		// Submit everything ready while capacity lasts.
		if !stopped && ctx.Err() == nil {
			for i := range result.Steps {
				se := &result.Steps[i]
				if inFlight >= plan.Policy.MaxConcurrency {
					break
				}
				if !ready(se) {
					continue
				}
				se.Status = StepRunning
				inFlight++
				go func(se *StepExecution) {
					r.runStep(ctx, plan, se, trigger, logger)
					done <- se.Step.Name
				}(se)
			}
		}

		if inFlight == 0 {
			break
		}

		name := <-done
		inFlight--
		se := index[name]
		if se.Status == StepCompleted {
			completed[name] = true
			continue
		}
		// Failure: dependents can never run; stop policy also refuses
		// everything not yet submitted.
		markDependents(plan, name, unrunnable)
		if plan.Policy.OnFailure == OnFailureStop {
			stopped = true
		}
	}

	for i := range result.Steps {
		if result.Steps[i].Status == StepPending {
			result.Steps[i].Status = StepSkipped
		}
	}
	return result
}

// runStep submits one planned step and folds the outcome into the
// step execution record. Pipeline-level SKIPPED (a content-unchanged
// no-op) satisfies dependents just like COMPLETED.
func (r *Runner) runStep(ctx context.Context, plan *Plan, se *StepExecution, trigger execution.TriggerSource, logger *slog.Logger) {
	se.StartedAt = r.now()
	se.Status = StepRunning

	exec, err := r.dispatcher.Submit(ctx, se.Step.Pipeline, se.Step.Params,
		dispatch.WithTrigger(trigger),
		dispatch.WithBatchID(plan.BatchID),
	)
	se.Duration = r.now().Sub(se.StartedAt)

	switch {
	case err != nil:
		se.Status = StepFailed
		se.Error = err.Error()
	case exec.Failed():
		se.Status = StepFailed
		se.Error = exec.Result.Error
		se.Execution = exec
	default:
		se.Status = StepCompleted
		se.Execution = exec
	}

	if se.Status == StepFailed {
		logger.Warn("group step failed",
			slog.String(log.StepKey, se.Step.Name),
			slog.String(log.PipelineKey, se.Step.Pipeline),
			slog.String("error", se.Error),
		)
	}
}

func newRunResult(plan *Plan) *RunResult {
	result := &RunResult{
		Plan:  plan,
		Steps: make([]StepExecution, len(plan.Steps)),
	}
	for i, step := range plan.Steps {
		result.Steps[i] = StepExecution{Step: step, Status: StepPending}
	}
	return result
}

// markDependents flags every transitive dependent of name as
// unrunnable.
func markDependents(plan *Plan, name string, unrunnable map[string]bool) {
	changed := true
	for changed {
		changed = false
		for _, step := range plan.Steps {
			if unrunnable[step.Name] {
				continue
			}
			for _, dep := range step.DependsOn {
				if dep == name || unrunnable[dep] {
					unrunnable[step.Name] = true
					changed = true
					break
				}
			}
		}
	}
}

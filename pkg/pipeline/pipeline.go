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

// Package pipeline defines the contract every registered pipeline
// honors: construction from (execution context, params) and a
// synchronous Run returning a typed result.
package pipeline

import (
	"context"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/partition"
)

// Status is the terminal state of a pipeline run.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// Result is the envelope every pipeline run produces.
type Result struct {
	// Status is the terminal state.
	Status Status `json:"status"`

	// Error holds the failure text when Status is FAILED.
	Error string `json:"error,omitempty"`

	// Category classifies the failure for retry decisions.
	Category errors.Category `json:"category,omitempty"`

	// Metrics carries run metrics (row counts, durations, rates).
	Metrics map[string]float64 `json:"metrics,omitempty"`

	// CaptureID is the capture this run wrote, if any.
	CaptureID partition.CaptureID `json:"capture_id,omitempty"`

	// RowCount is the number of rows the run wrote, if any.
	RowCount int64 `json:"row_count,omitempty"`
}

// Completed builds a successful result.
func Completed(captureID partition.CaptureID, rowCount int64) Result {
	return Result{
		Status:    StatusCompleted,
		CaptureID: captureID,
		RowCount:  rowCount,
	}
}

// Failed builds a failed result with the category inferred from err.
func Failed(err error) Result {
	return Result{
		Status:   StatusFailed,
		Error:    err.Error(),
		Category: errors.CategoryOf(err),
	}
}

// Skipped builds a skipped result. Reason lands in Metrics-free Error
// text so callers can surface it without treating it as a failure.
func Skipped(reason string) Result {
	return Result{
		Status: StatusSkipped,
		Error:  reason,
	}
}

// WithMetric returns a copy of r with one metric set.
func (r Result) WithMetric(name string, value float64) Result {
	metrics := make(map[string]float64, len(r.Metrics)+1)
	for k, v := range r.Metrics {
		metrics[k] = v
	}
	metrics[name] = value
	r.Metrics = metrics
	return r
}

// Pipeline is the unit of registered work. Implementations must be
// idempotent for the same params and source content: re-running
// produces identical rows under the same capture_id.
type Pipeline interface {
	// Name returns the dotted registry name.
	Name() string

	// Run executes synchronously. A non-nil error is equivalent to a
	// FAILED result; the runner translates it.
	Run(ctx context.Context) (Result, error)
}

// Factory builds a pipeline bound to an execution context and params.
// Registered factories must be safe for concurrent use.
type Factory func(execCtx execution.Context, params Params) (Pipeline, error)

// Func adapts a plain function into a Pipeline. Used by tests and by
// small pipelines with no construction-time dependencies.
type Func struct {
	PipelineName string
	RunFunc      func(ctx context.Context) (Result, error)
}

// Name implements Pipeline.
func (f *Func) Name() string {
	return f.PipelineName
}

// Run implements Pipeline.
func (f *Func) Run(ctx context.Context) (Result, error) {
	return f.RunFunc(ctx)
}

// NewFactory wraps a run function into a Factory that ignores
// construction arguments. Handy for pipelines that close over their
// dependencies at registration time.
func NewFactory(name string, run func(ctx context.Context, execCtx execution.Context, params Params) (Result, error)) Factory {
	return func(execCtx execution.Context, params Params) (Pipeline, error) {
		return &Func{
			PipelineName: name,
			RunFunc: func(ctx context.Context) (Result, error) {
				return run(ctx, execCtx, params)
			},
		}, nil
	}
}

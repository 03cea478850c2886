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

// Package dispatch runs registered pipelines synchronously: resolve
// the factory, mint an execution context, build the pipeline, run it
// under timing, logging, tracing, and metrics, and hand back a typed
// execution record. Every entry point into pipeline execution (CLI,
// daemon workers, group and workflow runners, scheduler phases) goes
// through the Dispatcher.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/metrics"
	"github.com/marketspine/spine/pkg/pipeline"
	"github.com/marketspine/spine/pkg/registry"
)

// Execution is the record of one dispatched pipeline run.
type Execution struct {
	// Pipeline is the dotted registry name that ran.
	Pipeline string

	// Context is the execution context the run carried.
	Context execution.Context

	// Result is the terminal result. Run errors are folded in as
	// FAILED results; Submit returns an error only for failures that
	// happen before the pipeline runs.
	Result pipeline.Result

	// StartedAt and CompletedAt bound the Run call itself.
	StartedAt   time.Time
	CompletedAt time.Time

	// Duration is CompletedAt minus StartedAt.
	Duration time.Duration
}

// Failed reports whether the run ended FAILED.
func (e *Execution) Failed() bool {
	return e.Result.Status == pipeline.StatusFailed
}

// Dispatcher resolves and runs pipelines. Safe for concurrent use.
type Dispatcher struct {
	registry *registry.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the base logger. Submit derives per-run loggers
// carrying execution and partition fields from it.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTracer sets the tracer used for pipeline spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// WithNowFunc overrides the clock for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New builds a Dispatcher over a populated registry.
func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		logger:   slog.Default(),
		tracer:   otel.Tracer("spine/dispatch"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.WithComponent(d.logger, "dispatch")
	return d
}

// submitConfig collects per-submit options.
type submitConfig struct {
	trigger execution.TriggerSource
	execCtx *execution.Context
	opts    []execution.Option
}

// SubmitOption configures one Submit call.
type SubmitOption func(*submitConfig)

// WithTrigger sets the trigger source recorded on the execution
// context. Defaults to the CLI trigger.
func WithTrigger(t execution.TriggerSource) SubmitOption {
	return func(c *submitConfig) { c.trigger = t }
}

// WithBatchID stamps the run into an existing batch.
func WithBatchID(batchID string) SubmitOption {
	return func(c *submitConfig) {
		c.opts = append(c.opts, execution.WithBatchID(batchID))
	}
}

// WithLane sets the scheduling lane on the execution context.
func WithLane(lane execution.Lane) SubmitOption {
	return func(c *submitConfig) {
		c.opts = append(c.opts, execution.WithLane(lane))
	}
}

// WithExecutionContext submits under an already-minted context.
// Orchestrators use this to fan children out of a parent context.
func WithExecutionContext(execCtx execution.Context) SubmitOption {
	return func(c *submitConfig) { c.execCtx = &execCtx }
}

// Submit resolves and runs one pipeline synchronously.
//
// An error return means the pipeline never ran: unknown name, invalid
// params, or factory failure. Once the pipeline runs, failures are
// reported through Execution.Result, never through the error return,
// so orchestrators can apply their own failure policy.
func (d *Dispatcher) Submit(ctx context.Context, name string, params pipeline.Params, opts ...SubmitOption) (*Execution, error) {
	factory, err := d.registry.Get(name)
	if err != nil {
		return nil, err
	}

	cfg := submitConfig{trigger: execution.TriggerCLI}
	for _, opt := range opts {
		opt(&cfg)
	}

	var execCtx execution.Context
	if cfg.execCtx != nil {
		execCtx = *cfg.execCtx
	} else {
		execCtx = execution.New(cfg.trigger, cfg.opts...)
	}

	p, err := factory(execCtx, params)
	if err != nil {
		return nil, fmt.Errorf("build pipeline %s: %w", name, err)
	}

	logger := log.WithExecution(d.logger, execCtx.ExecutionID.String(), execCtx.BatchID)
	logger = logger.With(slog.String(log.PipelineKey, name))

	ctx, span := d.tracer.Start(ctx, "pipeline.run: "+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("pipeline.name", name),
			attribute.String("execution.id", execCtx.ExecutionID.String()),
			attribute.String("execution.batch_id", execCtx.BatchID),
			attribute.String("execution.trigger", string(execCtx.Trigger)),
			attribute.String("execution.lane", string(execCtx.Lane)),
		),
	)
	defer span.End()

	logger.Info("pipeline started",
		slog.String(log.EventKey, "pipeline_started"),
		slog.String("trigger", string(execCtx.Trigger)),
		slog.String("lane", string(execCtx.Lane)),
	)

	exec := &Execution{
		Pipeline:  name,
		Context:   execCtx,
		StartedAt: d.now().UTC(),
	}
	exec.Result = d.run(ctx, p, logger)
	exec.CompletedAt = d.now().UTC()
	exec.Duration = exec.CompletedAt.Sub(exec.StartedAt)

	span.SetAttributes(
		attribute.String("pipeline.status", string(exec.Result.Status)),
		attribute.Int64("pipeline.row_count", exec.Result.RowCount),
	)
	switch exec.Result.Status {
	case pipeline.StatusFailed:
		span.SetStatus(codes.Error, exec.Result.Error)
		logger.Error("pipeline failed",
			slog.String(log.EventKey, "pipeline_failed"),
			slog.String("error", exec.Result.Error),
			slog.String("category", string(exec.Result.Category)),
			slog.Int64(log.DurationKey, exec.Duration.Milliseconds()),
		)
	case pipeline.StatusSkipped:
		span.SetStatus(codes.Ok, "skipped")
		logger.Info("pipeline skipped",
			slog.String(log.EventKey, "pipeline_skipped"),
			slog.String("reason", exec.Result.Error),
			slog.Int64(log.DurationKey, exec.Duration.Milliseconds()),
		)
	default:
		span.SetStatus(codes.Ok, "")
		logger.Info("pipeline completed",
			slog.String(log.EventKey, "pipeline_completed"),
			slog.String(log.CaptureIDKey, string(exec.Result.CaptureID)),
			slog.Int64("row_count", exec.Result.RowCount),
			slog.Int64(log.DurationKey, exec.Duration.Milliseconds()),
		)
	}

	metrics.RecordPipelineRun(name, string(exec.Result.Status), exec.Duration, exec.Result.RowCount)
	return exec, nil
}

// run executes the pipeline, folding returned errors and panics into
// FAILED results so orchestration always sees a typed terminal state.
func (d *Dispatcher) run(ctx context.Context, p pipeline.Pipeline, logger *slog.Logger) (result pipeline.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked",
				slog.String(log.EventKey, "pipeline_panic"),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = pipeline.Result{
				Status:   pipeline.StatusFailed,
				Error:    fmt.Sprintf("panic: %v", r),
				Category: errors.CategoryInternal,
			}
		}
	}()

	result, err := p.Run(ctx)
	if err != nil {
		return pipeline.Failed(err)
	}
	if result.Status == "" {
		result.Status = pipeline.StatusCompleted
	}
	if result.Status == pipeline.StatusFailed && result.Category == "" {
		result.Category = errors.CategoryInternal
	}
	return result
}

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
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marketspine/spine/internal/jq"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/pkg/dispatch"
	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/metrics"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/pipeline"
	"github.com/marketspine/spine/pkg/workflow/expression"
)

// Runner executes workflows: it threads the immutable context through
// the steps, dispatches by kind, persists checkpoints, and applies
// per-step error policies.
type Runner struct {
	dispatcher  *dispatch.Dispatcher
	handlers    *Handlers
	checkpoints *CheckpointStore
	evaluator   *expression.Evaluator
	jq          *jq.Executor
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithCheckpointStore enables checkpoint persistence.
func WithCheckpointStore(store *CheckpointStore) Option {
	return func(r *Runner) { r.checkpoints = store }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithTracer sets the tracer for run and step spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) { r.tracer = tracer }
}

// WithNowFunc overrides the clock for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithSleepFunc overrides how wait steps and retry backoffs sleep.
func WithSleepFunc(sleep func(context.Context, time.Duration) error) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// NewRunner builds a Runner. Handlers may be nil when no workflow uses
// lambda steps.
func NewRunner(d *dispatch.Dispatcher, handlers *Handlers, opts ...Option) *Runner {
	if handlers == nil {
		handlers = NewHandlers()
	}
	r := &Runner{
		dispatcher: d,
		handlers:   handlers,
		evaluator:  expression.New(),
		jq:         jq.New(0, 0),
		logger:     slog.Default(),
		tracer:     otel.Tracer("spine/workflow"),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithComponent(r.logger, "workflow")
	return r
}

// runOptions collects per-run settings.
type runOptions struct {
	runID     string
	batchID   string
	trigger   execution.TriggerSource
	partition partition.Key
	asOfDate  string
	captureID partition.CaptureID
	dryRun    bool
}

// RunOption configures one Run call.
type RunOption func(*runOptions)

// WithRunID pins the run id instead of minting one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithBatchID joins the run to an existing batch.
func WithBatchID(id string) RunOption {
	return func(o *runOptions) { o.batchID = id }
}

// WithTrigger names who asked for the run. Default is cli.
func WithTrigger(trigger execution.TriggerSource) RunOption {
	return func(o *runOptions) { o.trigger = trigger }
}

// WithPartition binds the run to a partition.
func WithPartition(key partition.Key) RunOption {
	return func(o *runOptions) { o.partition = key }
}

// WithAsOfDate sets the logical run date (YYYY-MM-DD).
func WithAsOfDate(date string) RunOption {
	return func(o *runOptions) { o.asOfDate = date }
}

// WithCaptureID binds the run to a capture.
func WithCaptureID(id partition.CaptureID) RunOption {
	return func(o *runOptions) { o.captureID = id }
}

// WithDryRun makes the run side-effect free: pipeline steps synthesize
// success, waits are skipped, no checkpoints are written, and lambdas
// see __dry_run__.
func WithDryRun() RunOption {
	return func(o *runOptions) { o.dryRun = true }
}

// runState is the internal cursor a traversal starts from.
type runState struct {
	wctx         WorkflowContext
	startIndex   int
	preCompleted []string
	resumed      bool
	trigger      execution.TriggerSource
	dryRun       bool
}

// Run executes wf from the top with workflow defaults under params.
// The returned error covers pre-flight problems only (invalid
// definition); step failures land in the result.
func (r *Runner) Run(ctx context.Context, wf *Workflow, params map[string]any, opts ...RunOption) (*RunResult, error) {
	wf.ApplyDefaults()
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	cfg := runOptions{trigger: execution.TriggerCLI}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	if cfg.batchID == "" {
		cfg.batchID = execution.NewBatchID("wf_" + wf.Name)
	}

	wctx := WorkflowContext{
		RunID:       cfg.runID,
		TraceID:     uuid.NewString(),
		BatchID:     cfg.batchID,
		StartedAt:   r.now().UTC(),
		Params:      pipeline.Params(wf.Defaults).Merge(cloneParams(params)),
		StepOutputs: map[string]map[string]any{},
		AsOfDate:    cfg.asOfDate,
		CaptureID:   cfg.captureID,
	}
	if cfg.partition != nil {
		wctx.Partition = cfg.partition.Clone()
	}
	if cfg.dryRun {
		wctx.Params[pipeline.KeyDryRun] = true
	}

	return r.run(ctx, wf, runState{
		wctx:    wctx,
		trigger: cfg.trigger,
		dryRun:  cfg.dryRun,
	}), nil
}

// Resume reloads the checkpoint for runID and continues from the step
// after the last completed one. Overrides merge over the rehydrated
// params for the continuation.
func (r *Runner) Resume(ctx context.Context, wf *Workflow, runID string, overrides map[string]any) (*RunResult, error) {
	wf.ApplyDefaults()
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if r.checkpoints == nil {
		return nil, &errors.ValidationError{
			Field:      "checkpoints",
			Message:    "runner has no checkpoint store",
			Suggestion: "construct the runner with WithCheckpointStore",
		}
	}
	cp, err := r.checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp.Workflow != wf.Name {
		return nil, &errors.ValidationError{
			Field:   "run_id",
			Message: fmt.Sprintf("run %s belongs to workflow %q, not %q", runID, cp.Workflow, wf.Name),
		}
	}

	wctx := cp.Context.clone()
	if len(overrides) > 0 {
		wctx = wctx.WithUpdates(overrides)
	}
	wctx = wctx.WithCheckpoint(cp.StepName)

	return r.run(ctx, wf, runState{
		wctx:         wctx,
		startIndex:   cp.NextIndex,
		preCompleted: cp.Completed,
		resumed:      true,
		trigger:      execution.TriggerCLI,
		dryRun:       wctx.DryRun(),
	}), nil
}

// run is the sequential traversal shared by Run, Resume, and map
// sub-runs.
func (r *Runner) run(ctx context.Context, wf *Workflow, st runState) *RunResult {
	logger := log.WithRunContext(r.logger, st.wctx.RunID, wf.Name)
	started := r.now()

	ctx, span := r.tracer.Start(ctx, "workflow.run: "+wf.Name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.name", wf.Name),
			attribute.String("run_id", st.wctx.RunID),
			attribute.String("batch_id", st.wctx.BatchID),
			attribute.Bool("dry_run", st.dryRun),
			attribute.Bool("resumed", st.resumed),
		))
	defer span.End()

	result := &RunResult{
		RunID:    st.wctx.RunID,
		Workflow: wf.Name,
		Status:   StatusCompleted,
		Steps:    make([]StepRecord, len(wf.Steps)),
		Resumed:  st.resumed,
		DryRun:   st.dryRun,
	}
	for i := range wf.Steps {
		result.Steps[i] = StepRecord{Name: wf.Steps[i].Name, Kind: wf.Steps[i].Kind}
	}
	for _, name := range st.preCompleted {
		if idx, ok := wf.StepIndex(name); ok {
			rec := &result.Steps[idx]
			rec.Status = StepCompleted
			rec.PreExisting = true
			if out, ok := st.wctx.Output(name); ok {
				rec.Output = out
			}
		}
		result.Completed = append(result.Completed, name)
	}

	logger.Info("workflow started",
		slog.String(log.EventKey, "workflow_started"),
		slog.String(log.BatchIDKey, st.wctx.BatchID),
		slog.Int("steps", len(wf.Steps)),
		slog.Bool("dry_run", st.dryRun),
		slog.Bool("resumed", st.resumed),
	)

	wctx := st.wctx
	skipUntil := ""

	for i := st.startIndex; i < len(wf.Steps); i++ {
		step := &wf.Steps[i]
		rec := &result.Steps[i]

		if skipUntil != "" {
			if step.Name != skipUntil {
				rec.Status = StepSkipped
				logger.Debug("step skipped",
					slog.String(log.StepKey, step.Name),
					slog.String(log.EventKey, "step_skipped"),
				)
				metrics.RecordWorkflowStep(string(step.Kind), string(StepSkipped))
				continue
			}
			skipUntil = ""
		}

		res := r.executeStep(ctx, step, wctx, rec, st, logger)

		if !res.Success {
			rec.Status = StepFailed
			rec.Error = res.Error
			rec.Category = res.Category
			if step.errorAction() == ActionContinue {
				continue
			}
			result.Status = StatusFailed
			result.ErrorStep = step.Name
			result.Error = res.Error
			result.Category = res.Category
			break
		}

		wctx = wctx.WithStepOutput(step.Name, res.Output).WithUpdates(res.ContextUpdates)
		rec.Status = StepCompleted
		rec.Output, _ = wctx.Output(step.Name)
		result.Completed = append(result.Completed, step.Name)

		if res.NextStep != "" {
			skipUntil = res.NextStep
		}

		if r.shouldCheckpoint(wf, step, st.dryRun) {
			r.saveCheckpoint(ctx, wf, wctx, step.Name, i, skipUntil, result.Completed, logger)
		}
	}

	for i := range result.Steps {
		if result.Steps[i].Status == "" {
			result.Steps[i].Status = StepSkipped
		}
	}
	result.Context = wctx
	result.Duration = r.now().Sub(started)

	if result.Failed() {
		span.SetStatus(codes.Error, result.Error)
		logger.Error("workflow failed",
			slog.String(log.EventKey, "workflow_failed"),
			slog.String(log.StepKey, result.ErrorStep),
			slog.String("error", result.Error),
			slog.String("category", string(result.Category)),
			slog.Int64(log.DurationKey, result.Duration.Milliseconds()),
		)
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info("workflow completed",
			slog.String(log.EventKey, "workflow_completed"),
			slog.Int("completed_steps", len(result.Completed)),
			slog.Int64(log.DurationKey, result.Duration.Milliseconds()),
		)
	}
	metrics.RecordWorkflowRun(wf.Name, string(result.Status))
	return result
}

// executeStep runs one step with retry and timeout policy applied and
// emits the step events.
func (r *Runner) executeStep(ctx context.Context, step *Step, wctx WorkflowContext, rec *StepRecord, st runState, logger *slog.Logger) StepResult {
	stepLogger := logger.With(slog.String(log.StepKey, step.Name))
	rec.StartedAt = r.now()
	stepLogger.Info("step started",
		slog.String(log.EventKey, "step_started"),
		slog.String("kind", string(step.Kind)),
	)

	ctx, span := r.tracer.Start(ctx, "workflow.step: "+step.Name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("step.name", step.Name),
			attribute.String("step.kind", string(step.Kind)),
			attribute.String("run_id", wctx.RunID),
		))
	defer span.End()

	action := step.errorAction()
	retry := step.retryPolicy()
	maxAttempts := 1
	if action == ActionRetry {
		maxAttempts = retry.MaxAttempts
	}

	var res StepResult
	for attempt := 1; ; attempt++ {
		rec.Attempts = attempt
		res = r.attemptStep(ctx, step, wctx, st)
		if res.Success || action != ActionRetry || attempt >= maxAttempts ||
			!retry.retryable(res.Category) {
			break
		}
		wait := retryBackoff(retry, attempt)
		stepLogger.Info("step retry scheduled",
			slog.String(log.EventKey, "step_retry"),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
		)
		if err := r.sleep(ctx, wait); err != nil {
			break
		}
	}
	rec.Duration = r.now().Sub(rec.StartedAt)

	if res.Success {
		span.SetStatus(codes.Ok, "")
		stepLogger.Info("step completed",
			slog.String(log.EventKey, "step_completed"),
			slog.Int64(log.DurationKey, rec.Duration.Milliseconds()),
		)
		metrics.RecordWorkflowStep(string(step.Kind), string(StepCompleted))
	} else {
		span.SetStatus(codes.Error, res.Error)
		stepLogger.Error("step failed",
			slog.String(log.EventKey, "step_failed"),
			slog.String("error", res.Error),
			slog.String("category", string(res.Category)),
			slog.Int("attempts", rec.Attempts),
			slog.Int64(log.DurationKey, rec.Duration.Milliseconds()),
		)
		metrics.RecordWorkflowStep(string(step.Kind), string(StepFailed))
	}
	return res
}

// attemptStep executes one attempt, bounded by the step timeout.
func (r *Runner) attemptStep(ctx context.Context, step *Step, wctx WorkflowContext, st runState) StepResult {
	fn := func(ctx context.Context) StepResult {
		switch step.Kind {
		case KindLambda:
			return r.runLambda(ctx, step, wctx)
		case KindPipeline:
			return r.runPipeline(ctx, step, wctx, st)
		case KindChoice:
			return r.runChoice(step, wctx)
		case KindWait:
			return r.runWait(ctx, step, st)
		case KindMap:
			return r.runMap(ctx, step, wctx, st)
		default:
			return Fail(fmt.Errorf("unknown step kind %q", step.Kind), errors.CategoryInternal)
		}
	}

	if step.Timeout <= 0 {
		return fn(ctx)
	}
	limit := time.Duration(step.Timeout) * time.Second
	tctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan StepResult, 1)
	go func() { done <- fn(tctx) }()

	select {
	case res := <-done:
		return res
	case <-tctx.Done():
		if tctx.Err() == context.Canceled {
			return Fail(tctx.Err(), errors.CategoryTransient)
		}
		return Fail(&errors.TimeoutError{
			Operation: "workflow step " + step.Name,
			Duration:  limit,
		}, errors.CategoryTimeout)
	}
}

func (r *Runner) runLambda(ctx context.Context, step *Step, wctx WorkflowContext) (res StepResult) {
	handler, err := r.handlers.Get(step.Handler)
	if err != nil {
		return Fail(err, "")
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic",
				slog.String("handler", step.Handler),
				slog.String("panic", fmt.Sprint(rec)),
				slog.String("stack", string(debug.Stack())),
			)
			res = Fail(fmt.Errorf("panic: %v", rec), errors.CategoryInternal)
		}
	}()
	out, err := handler(ctx, wctx, step.Config)
	if err != nil {
		return Fail(err, "")
	}
	return out
}

func (r *Runner) runPipeline(ctx context.Context, step *Step, wctx WorkflowContext, st runState) StepResult {
	if st.dryRun {
		return OK(map[string]any{
			"status":      string(pipeline.StatusCompleted),
			"pipeline":    step.Pipeline,
			"synthesized": true,
		})
	}

	params := wctx.Params.Merge(pipeline.Params(step.Params))
	outputs := make(map[string]any, len(wctx.StepOutputs))
	for name, out := range wctx.StepOutputs {
		outputs[name] = map[string]any(out)
	}
	params[pipeline.KeyStepOutputs] = outputs

	exec, err := r.dispatcher.Submit(ctx, step.Pipeline, params,
		dispatch.WithTrigger(st.trigger),
		dispatch.WithBatchID(wctx.BatchID),
	)
	if err != nil {
		return Fail(err, "")
	}

	switch exec.Result.Status {
	case pipeline.StatusFailed:
		return StepResult{
			Success:  false,
			Error:    exec.Result.Error,
			Category: exec.Result.Category,
		}
	case pipeline.StatusSkipped:
		return OK(map[string]any{
			"status": string(exec.Result.Status),
			"reason": exec.Result.Error,
		})
	default:
		out := map[string]any{
			"status":    string(exec.Result.Status),
			"row_count": exec.Result.RowCount,
		}
		if exec.Result.CaptureID != "" {
			out["capture_id"] = string(exec.Result.CaptureID)
		}
		if len(exec.Result.Metrics) > 0 {
			out["metrics"] = exec.Result.Metrics
		}
		return OK(out)
	}
}

func (r *Runner) runChoice(step *Step, wctx WorkflowContext) StepResult {
	verdict, err := r.evaluator.Evaluate(step.Condition, wctx.Document())
	if err != nil {
		// Conditions are declared pure and total; a raising condition
		// is a definition bug.
		return Fail(err, errors.CategoryInternal)
	}
	target := step.Else
	if verdict {
		target = step.Then
	}
	res := OK(map[string]any{
		"condition": step.Condition,
		"result":    verdict,
		"next":      target,
	})
	res.NextStep = target
	return res
}

func (r *Runner) runWait(ctx context.Context, step *Step, st runState) StepResult {
	var wait time.Duration
	if step.Until != "" {
		until, err := time.Parse(time.RFC3339, step.Until)
		if err != nil {
			return Fail(err, errors.CategoryConfiguration)
		}
		wait = until.Sub(r.now())
		if wait < 0 {
			wait = 0
		}
	} else {
		wait = time.Duration(step.Seconds) * time.Second
	}

	if st.dryRun {
		return OK(map[string]any{"wait_seconds": wait.Seconds(), "skipped": true})
	}
	if err := r.sleep(ctx, wait); err != nil {
		return Fail(err, errors.CategoryTransient)
	}
	return OK(map[string]any{"wait_seconds": wait.Seconds()})
}

func (r *Runner) runMap(ctx context.Context, step *Step, wctx WorkflowContext, st runState) StepResult {
	items, failRes := r.resolveItems(ctx, step, wctx)
	if failRes != nil {
		return *failRes
	}
	if len(items) == 0 {
		return OK(map[string]any{
			"items": 0, "succeeded": 0, "failed": 0, "aborted": 0,
			"outputs": []any{},
		})
	}

	type outcome struct {
		output   map[string]any
		err      string
		category errors.Category
		aborted  bool
	}
	outcomes := make([]outcome, len(items))

	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, step.MaxConcurrency)
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if mctx.Err() != nil {
				outcomes[i] = outcome{aborted: true}
				return
			}
			out, err := r.runMapItem(mctx, step, wctx, st, i, len(items), item)
			if err != nil {
				outcomes[i] = outcome{err: err.Error(), category: errors.CategoryOf(err)}
				if step.FailureMode == FailFast {
					cancel()
				}
				return
			}
			outcomes[i] = outcome{output: out}
		}(i, items[i])
	}
	wg.Wait()

	outputs := make([]any, len(items))
	var failures []map[string]any
	succeeded, aborted := 0, 0
	firstCategory := errors.Category("")
	for i, oc := range outcomes {
		switch {
		case oc.aborted:
			aborted++
		case oc.err != "":
			failures = append(failures, map[string]any{"index": i, "error": oc.err})
			if firstCategory == "" {
				firstCategory = oc.category
			}
		default:
			outputs[i] = oc.output
			succeeded++
		}
	}

	out := map[string]any{
		"items":     len(items),
		"succeeded": succeeded,
		"failed":    len(failures),
		"aborted":   aborted,
		"outputs":   outputs,
	}
	if len(failures) > 0 {
		out["failures"] = failures
	}

	switch {
	case len(failures) == 0:
		return OK(out)
	case step.FailureMode == Partial && succeeded > 0:
		return OK(out)
	default:
		first, _ := failures[0]["error"].(string)
		return StepResult{
			Success:  false,
			Error:    fmt.Sprintf("%d of %d items failed: %s", len(failures), len(items), first),
			Category: firstCategory,
		}
	}
}

// resolveItems produces the map step's item list, either literal or
// from the items path evaluated against the context document.
func (r *Runner) resolveItems(ctx context.Context, step *Step, wctx WorkflowContext) ([]any, *StepResult) {
	if step.Items != nil {
		return step.Items, nil
	}
	v, err := r.jq.Run(ctx, step.ItemsPath, wctx.Document())
	if err != nil {
		res := Fail(err, "")
		return nil, &res
	}
	switch items := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return items, nil
	default:
		res := Fail(&errors.ValidationError{
			Field:   "items_path",
			Message: fmt.Sprintf("must yield a list, got %T", v),
		}, errors.CategoryConfiguration)
		return nil, &res
	}
}

// runMapItem runs the iterator workflow for one item. The sub-run gets
// a fresh run id, inherits batch and trace, and binds the item under
// step.ItemParam plus the __item_index / __item_total markers.
func (r *Runner) runMapItem(ctx context.Context, step *Step, wctx WorkflowContext, st runState, index, total int, item any) (map[string]any, error) {
	sub := WorkflowContext{
		RunID:     uuid.NewString(),
		TraceID:   wctx.TraceID,
		BatchID:   wctx.BatchID,
		StartedAt: r.now().UTC(),
		Params: wctx.Params.Merge(pipeline.Params{
			step.ItemParam: item,
			"__item_index": index,
			"__item_total": total,
		}),
		StepOutputs: map[string]map[string]any{},
		AsOfDate:    wctx.AsOfDate,
		CaptureID:   wctx.CaptureID,
	}
	if wctx.Partition != nil {
		sub.Partition = wctx.Partition.Clone()
	}

	result := r.run(ctx, step.Iterator, runState{
		wctx:    sub,
		trigger: st.trigger,
		dryRun:  st.dryRun,
	})
	if result.Failed() {
		return nil, errors.WithCategory(
			fmt.Errorf("item %d: step %s: %s", index, result.ErrorStep, result.Error),
			result.Category)
	}
	return result.Output(), nil
}

func (r *Runner) shouldCheckpoint(wf *Workflow, step *Step, dryRun bool) bool {
	if r.checkpoints == nil || dryRun {
		return false
	}
	switch wf.Checkpoints {
	case CheckpointEveryStep:
		return true
	case CheckpointFlagged:
		return step.Checkpoint
	default:
		return false
	}
}

// saveCheckpoint persists the resume point after a completed step. A
// failed write is logged and the run proceeds; durability degrades,
// execution does not.
func (r *Runner) saveCheckpoint(ctx context.Context, wf *Workflow, wctx WorkflowContext, stepName string, stepIndex int, skipUntil string, completed []string, logger *slog.Logger) {
	next := stepIndex + 1
	if skipUntil != "" {
		if j, ok := wf.StepIndex(skipUntil); ok {
			next = j
		}
	}
	cp := &Checkpoint{
		RunID:     wctx.RunID,
		Workflow:  wf.Name,
		StepName:  stepName,
		StepIndex: stepIndex,
		Context:   wctx.WithCheckpoint(stepName),
		Completed: append([]string(nil), completed...),
		NextIndex: next,
		CreatedAt: r.now().UTC(),
	}
	if wf.CheckpointTTL > 0 {
		expires := r.now().UTC().Add(time.Duration(wf.CheckpointTTL) * time.Second)
		cp.ExpiresAt = &expires
	}
	if err := r.checkpoints.Save(ctx, cp); err != nil {
		logger.Warn("checkpoint write failed",
			slog.String(log.StepKey, stepName),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.RecordCheckpointWrite()
}

// retryBackoff is BackoffBase * Multiplier^(attempt-1) seconds.
func retryBackoff(policy RetryPolicy, attempt int) time.Duration {
	seconds := float64(policy.BackoffBase) * math.Pow(policy.Multiplier, float64(attempt-1))
	return time.Duration(seconds * float64(time.Second))
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/pkg/dispatch"
	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/pipeline"
	"github.com/marketspine/spine/pkg/registry"
)

// sleeper records requested sleeps without sleeping.
type sleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleeper) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return nil
}

func (s *sleeper) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

func newTestRunner(t *testing.T, reg *registry.Registry, handlers *Handlers, opts ...Option) *Runner {
	t.Helper()
	if reg == nil {
		reg = registry.New()
	}
	if handlers == nil {
		handlers = NewHandlers()
	}
	return NewRunner(dispatch.New(reg), handlers, opts...)
}

func okHandler(output map[string]any) Handler {
	return func(context.Context, WorkflowContext, map[string]any) (StepResult, error) {
		return OK(output), nil
	}
}

func lambdaSteps(names ...string) []Step {
	steps := make([]Step, len(names))
	for i, name := range names {
		steps[i] = Step{Name: name, Kind: KindLambda, Handler: name}
	}
	return steps
}

func TestRun_ThreadsContextThroughSteps(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("fetch", okHandler(map[string]any{"records": int64(100)})))
	require.NoError(t, handlers.Register("validate",
		func(_ context.Context, run WorkflowContext, _ map[string]any) (StepResult, error) {
			v, ok := run.GetOutput("fetch", "records")
			if !ok {
				return Fail(fmt.Errorf("fetch output missing"), errors.CategoryInternal), nil
			}
			res := OK(map[string]any{"checked": v})
			res.ContextUpdates = map[string]any{"validation_passed": true}
			return res, nil
		}))
	var loadSawFlag bool
	require.NoError(t, handlers.Register("load",
		func(_ context.Context, run WorkflowContext, _ map[string]any) (StepResult, error) {
			loadSawFlag = run.GetBoolOr("validation_passed", false)
			return OK(nil), nil
		}))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "flow", Steps: lambdaSteps("fetch", "validate", "load")}

	res, err := r.Run(context.Background(), wf, map[string]any{"week": "2026-01-05"})
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	assert.Equal(t, []string{"fetch", "validate", "load"}, res.Completed)
	assert.True(t, loadSawFlag, "update from validate must be visible to load")

	v, ok := res.Context.GetOutput("fetch", "records")
	require.True(t, ok)
	assert.Equal(t, int64(100), v)
	assert.True(t, res.Context.GetBoolOr("validation_passed", false))
	assert.Equal(t, StepCompleted, res.Record("validate").Status)
}

func TestRun_PipelineStep(t *testing.T) {
	var (
		mu       sync.Mutex
		got      pipeline.Params
		gotBatch string
	)
	reg := registry.New()
	require.NoError(t, reg.Register("finra.ingest", pipeline.NewFactory("finra.ingest",
		func(_ context.Context, execCtx execution.Context, params pipeline.Params) (pipeline.Result, error) {
			mu.Lock()
			got, gotBatch = params, execCtx.BatchID
			mu.Unlock()
			return pipeline.Completed("cap-1", 42), nil
		})))
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("plan", okHandler(map[string]any{"weeks": []any{"2026-01-05"}})))

	r := newTestRunner(t, reg, handlers)
	wf := &Workflow{Name: "pipe", Steps: []Step{
		{Name: "plan", Kind: KindLambda, Handler: "plan"},
		{Name: "ingest", Kind: KindPipeline, Pipeline: "finra.ingest", Params: map[string]any{"tier": "T1"}},
	}}

	res, err := r.Run(context.Background(), wf, map[string]any{"week": "2026-01-05"})
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	// The dispatch sees run params, step params, and prior outputs.
	assert.Equal(t, "2026-01-05", got.GetStringOr("week", ""))
	assert.Equal(t, "T1", got.GetStringOr("tier", ""))
	outputs, ok := got[pipeline.KeyStepOutputs].(map[string]any)
	require.True(t, ok)
	planOut := outputs["plan"].(map[string]any)
	assert.Equal(t, []any{"2026-01-05"}, planOut["weeks"])
	assert.True(t, strings.HasPrefix(gotBatch, "wf_pipe_"), gotBatch)

	out, ok := res.Context.Output("ingest")
	require.True(t, ok)
	assert.Equal(t, string(pipeline.StatusCompleted), out["status"])
	assert.Equal(t, int64(42), out["row_count"])
	assert.Equal(t, "cap-1", out["capture_id"])
}

func TestRun_PipelineFailurePropagatesCategory(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("finra.ingest", pipeline.NewFactory("finra.ingest",
		func(context.Context, execution.Context, pipeline.Params) (pipeline.Result, error) {
			return pipeline.Result{}, errors.WithCategory(fmt.Errorf("feed empty"), errors.CategoryDataQuality)
		})))

	r := newTestRunner(t, reg, nil)
	wf := &Workflow{Name: "pipe", Steps: []Step{
		{Name: "ingest", Kind: KindPipeline, Pipeline: "finra.ingest"},
	}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, "ingest", res.ErrorStep)
	assert.Equal(t, errors.CategoryDataQuality, res.Category)
	assert.Contains(t, res.Error, "feed empty")
}

func TestRun_ChoiceJumpSkipsIntermediateSteps(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("start", okHandler(map[string]any{"ready": true})))
	require.NoError(t, handlers.Register("audit", okHandler(nil)))
	require.NoError(t, handlers.Register("publish", okHandler(nil)))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "gated", Steps: []Step{
		{Name: "start", Kind: KindLambda, Handler: "start"},
		{Name: "gate", Kind: KindChoice, Condition: "outputs.start.ready", Then: "publish"},
		{Name: "audit", Kind: KindLambda, Handler: "audit"},
		{Name: "publish", Kind: KindLambda, Handler: "publish"},
	}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	assert.Equal(t, []string{"start", "gate", "publish"}, res.Completed)
	assert.Equal(t, StepSkipped, res.Record("audit").Status)
	assert.Equal(t, StepCompleted, res.Record("publish").Status)

	out, _ := res.Context.Output("gate")
	assert.Equal(t, true, out["result"])
	assert.Equal(t, "publish", out["next"])
}

func TestRun_ChoiceElseTarget(t *testing.T) {
	handlers := NewHandlers()
	for _, name := range []string{"fast", "slow", "done"} {
		require.NoError(t, handlers.Register(name, okHandler(nil)))
	}

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "gated", Steps: []Step{
		{Name: "gate", Kind: KindChoice, Condition: "params.enabled", Then: "fast", Else: "done"},
		{Name: "slow", Kind: KindLambda, Handler: "slow"},
		{Name: "fast", Kind: KindLambda, Handler: "fast"},
		{Name: "done", Kind: KindLambda, Handler: "done"},
	}}

	res, err := r.Run(context.Background(), wf, map[string]any{"enabled": false})
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	assert.Equal(t, []string{"gate", "done"}, res.Completed)
	assert.Equal(t, StepSkipped, res.Record("slow").Status)
	assert.Equal(t, StepSkipped, res.Record("fast").Status)
}

func TestRun_ChoiceEmptyElseFallsThrough(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("next", okHandler(nil)))
	require.NoError(t, handlers.Register("last", okHandler(nil)))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "gated", Steps: []Step{
		{Name: "gate", Kind: KindChoice, Condition: "params.enabled", Then: "last"},
		{Name: "next", Kind: KindLambda, Handler: "next"},
		{Name: "last", Kind: KindLambda, Handler: "last"},
	}}

	res, err := r.Run(context.Background(), wf, map[string]any{"enabled": false})
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)
	assert.Equal(t, []string{"gate", "next", "last"}, res.Completed)
}

func TestRun_ChoiceConditionErrorIsInternal(t *testing.T) {
	r := newTestRunner(t, nil, nil)
	wf := &Workflow{Name: "gated", Steps: []Step{
		// Compiles, but yields a string at runtime.
		{Name: "gate", Kind: KindChoice, Condition: "params.note", Then: "end"},
		{Name: "end", Kind: KindWait, Seconds: 1},
	}}

	res, err := r.Run(context.Background(), wf, map[string]any{"note": "hello"})
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, "gate", res.ErrorStep)
	assert.Equal(t, errors.CategoryInternal, res.Category)
}

func TestRun_WaitSeconds(t *testing.T) {
	sl := &sleeper{}
	r := newTestRunner(t, nil, nil, WithSleepFunc(sl.sleep))
	wf := &Workflow{Name: "pause", Steps: []Step{
		{Name: "hold", Kind: KindWait, Seconds: 5},
	}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	require.Equal(t, []time.Duration{5 * time.Second}, sl.durations())
	out, _ := res.Context.Output("hold")
	assert.Equal(t, 5.0, out["wait_seconds"])
}

func TestRun_WaitUntil(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	sl := &sleeper{}
	r := newTestRunner(t, nil, nil,
		WithSleepFunc(sl.sleep),
		WithNowFunc(func() time.Time { return now }),
	)

	wf := &Workflow{Name: "pause", Steps: []Step{
		{Name: "hold", Kind: KindWait, Until: now.Add(90 * time.Second).Format(time.RFC3339)},
	}}
	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)
	require.Equal(t, []time.Duration{90 * time.Second}, sl.durations())

	// A deadline already in the past waits zero, not negative.
	past := &Workflow{Name: "pause", Steps: []Step{
		{Name: "hold", Kind: KindWait, Until: now.Add(-time.Hour).Format(time.RFC3339)},
	}}
	res, err = r.Run(context.Background(), past, nil)
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)
	assert.Equal(t, time.Duration(0), sl.durations()[1])
}

func TestRun_MapLiteralItems(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("echo",
		func(_ context.Context, run WorkflowContext, _ map[string]any) (StepResult, error) {
			return OK(map[string]any{
				"symbol": run.GetStringOr("symbol", ""),
				"index":  run.GetInt64Or("__item_index", -1),
				"total":  run.GetInt64Or("__item_total", -1),
			}), nil
		}))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "fan", Steps: []Step{{
		Name: "fan", Kind: KindMap,
		Items:          []any{"AAPL", "MSFT", "NVDA"},
		ItemParam:      "symbol",
		MaxConcurrency: 2,
		Iterator: &Workflow{
			Name:  "per-symbol",
			Steps: lambdaSteps("echo"),
		},
	}}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	out, ok := res.Context.Output("fan")
	require.True(t, ok)
	assert.Equal(t, 3, out["items"])
	assert.Equal(t, 3, out["succeeded"])
	assert.Equal(t, 0, out["failed"])

	// Outputs hold item order even under concurrency.
	outputs := out["outputs"].([]any)
	require.Len(t, outputs, 3)
	for i, want := range []string{"AAPL", "MSFT", "NVDA"} {
		itemOut := outputs[i].(map[string]any)
		assert.Equal(t, want, itemOut["symbol"])
		assert.Equal(t, int64(i), itemOut["index"])
		assert.Equal(t, int64(3), itemOut["total"])
	}
}

func TestRun_MapItemsPath(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("plan", okHandler(map[string]any{
		"symbols": []any{"AAPL", "MSFT"},
	})))
	require.NoError(t, handlers.Register("echo",
		func(_ context.Context, run WorkflowContext, _ map[string]any) (StepResult, error) {
			return OK(map[string]any{"symbol": run.GetStringOr("symbol", "")}), nil
		}))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "fan", Steps: []Step{
		{Name: "plan", Kind: KindLambda, Handler: "plan"},
		{
			Name: "fan", Kind: KindMap,
			ItemsPath: ".outputs.plan.symbols",
			ItemParam: "symbol",
			Iterator:  &Workflow{Name: "per-symbol", Steps: lambdaSteps("echo")},
		},
	}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	out, _ := res.Context.Output("fan")
	assert.Equal(t, 2, out["items"])
	assert.Equal(t, 2, out["succeeded"])
}

func TestRun_MapEmptyItemsCompletes(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("plan", okHandler(map[string]any{"symbols": []any{}})))
	require.NoError(t, handlers.Register("echo", okHandler(nil)))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "fan", Steps: []Step{
		{Name: "plan", Kind: KindLambda, Handler: "plan"},
		{
			Name: "fan", Kind: KindMap,
			ItemsPath: ".outputs.plan.symbols",
			ItemParam: "symbol",
			Iterator:  &Workflow{Name: "per-symbol", Steps: lambdaSteps("echo")},
		},
	}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	out, _ := res.Context.Output("fan")
	assert.Equal(t, 0, out["items"])
	assert.Equal(t, 0, out["succeeded"])
	assert.Empty(t, out["outputs"])
	assert.Equal(t, []string{"plan", "fan"}, res.Completed)
}

func TestRun_MapItemsPathMustYieldList(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("plan", okHandler(map[string]any{"count": int64(3)})))
	require.NoError(t, handlers.Register("echo", okHandler(nil)))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "fan", Steps: []Step{
		{Name: "plan", Kind: KindLambda, Handler: "plan"},
		{
			Name: "fan", Kind: KindMap,
			ItemsPath: ".outputs.plan.count",
			ItemParam: "n",
			Iterator:  &Workflow{Name: "per-item", Steps: lambdaSteps("echo")},
		},
	}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, errors.CategoryConfiguration, res.Category)
	assert.Contains(t, res.Error, "must yield a list")
}

func TestRun_MapFailFast(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("probe",
		func(_ context.Context, run WorkflowContext, _ map[string]any) (StepResult, error) {
			if run.GetStringOr("symbol", "") == "boom" {
				return Fail(fmt.Errorf("bad symbol"), errors.CategoryDataQuality), nil
			}
			return OK(nil), nil
		}))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "fan", Steps: []Step{{
		Name: "fan", Kind: KindMap,
		Items:       []any{"ok1", "boom", "ok2"},
		ItemParam:   "symbol",
		FailureMode: FailFast,
		Iterator:    &Workflow{Name: "per-symbol", Steps: lambdaSteps("probe")},
	}}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, "fan", res.ErrorStep)
	assert.Equal(t, errors.CategoryDataQuality, res.Category)
	assert.Contains(t, res.Error, "items failed")
	assert.Contains(t, res.Error, "bad symbol")
}

func TestRun_MapPartialToleratesFailures(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("probe",
		func(_ context.Context, run WorkflowContext, _ map[string]any) (StepResult, error) {
			n := run.GetInt64Or("n", 0)
			if n == 2 {
				return Fail(fmt.Errorf("item two rots"), errors.CategoryDataQuality), nil
			}
			return OK(map[string]any{"n": n}), nil
		}))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "fan", Steps: []Step{{
		Name: "fan", Kind: KindMap,
		Items:          []any{1, 2, 3},
		ItemParam:      "n",
		MaxConcurrency: 3,
		FailureMode:    Partial,
		Iterator:       &Workflow{Name: "per-item", Steps: lambdaSteps("probe")},
	}}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	out, _ := res.Context.Output("fan")
	assert.Equal(t, 2, out["succeeded"])
	assert.Equal(t, 1, out["failed"])

	outputs := out["outputs"].([]any)
	require.Len(t, outputs, 3)
	assert.NotNil(t, outputs[0])
	assert.Nil(t, outputs[1], "failed item leaves a nil slot")
	assert.NotNil(t, outputs[2])

	failures := out["failures"].([]map[string]any)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0]["index"])
	assert.Contains(t, failures[0]["error"], "item two rots")
}

func TestRun_MapPartialAllFailed(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("probe",
		func(context.Context, WorkflowContext, map[string]any) (StepResult, error) {
			return Fail(fmt.Errorf("nope"), errors.CategoryDependency), nil
		}))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "fan", Steps: []Step{{
		Name: "fan", Kind: KindMap,
		Items:       []any{"a", "b"},
		ItemParam:   "symbol",
		FailureMode: Partial,
		Iterator:    &Workflow{Name: "per-symbol", Steps: lambdaSteps("probe")},
	}}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, errors.CategoryDependency, res.Category)
	assert.Contains(t, res.Error, "2 of 2 items failed")
}

func TestRun_RetryRecoversTransientFailure(t *testing.T) {
	attempts := 0
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("flaky",
		func(context.Context, WorkflowContext, map[string]any) (StepResult, error) {
			attempts++
			if attempts < 3 {
				return Fail(fmt.Errorf("blip %d", attempts), errors.CategoryTransient), nil
			}
			return OK(nil), nil
		}))

	sl := &sleeper{}
	r := newTestRunner(t, nil, handlers, WithSleepFunc(sl.sleep))
	wf := &Workflow{Name: "retrying", Steps: []Step{{
		Name: "flaky", Kind: KindLambda, Handler: "flaky",
		OnError: &ErrorPolicy{
			Action: ActionRetry,
			Retry:  &RetryPolicy{MaxAttempts: 3, BackoffBase: 1, Multiplier: 2},
		},
	}}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)
	assert.Equal(t, 3, res.Record("flaky").Attempts)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, sl.durations())
}

func TestRun_RetryExhausted(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("flaky",
		func(context.Context, WorkflowContext, map[string]any) (StepResult, error) {
			return Fail(fmt.Errorf("still down"), errors.CategoryTransient), nil
		}))

	sl := &sleeper{}
	r := newTestRunner(t, nil, handlers, WithSleepFunc(sl.sleep))
	wf := &Workflow{Name: "retrying", Steps: []Step{{
		Name: "flaky", Kind: KindLambda, Handler: "flaky",
		OnError: &ErrorPolicy{Action: ActionRetry},
	}}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, DefaultRetryMaxAttempts, res.Record("flaky").Attempts)
	assert.Equal(t, []time.Duration{1 * time.Second}, sl.durations())
}

func TestRun_RetrySkipsNonRetryableCategory(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("broken",
		func(context.Context, WorkflowContext, map[string]any) (StepResult, error) {
			return Fail(fmt.Errorf("bad config"), errors.CategoryConfiguration), nil
		}))

	sl := &sleeper{}
	r := newTestRunner(t, nil, handlers, WithSleepFunc(sl.sleep))
	wf := &Workflow{Name: "retrying", Steps: []Step{{
		Name: "broken", Kind: KindLambda, Handler: "broken",
		OnError: &ErrorPolicy{
			Action: ActionRetry,
			Retry:  &RetryPolicy{MaxAttempts: 5, BackoffBase: 1, Multiplier: 2},
		},
	}}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, 1, res.Record("broken").Attempts, "configuration errors do not retry")
	assert.Empty(t, sl.durations())
}

func TestRun_RetryBackoffProgression(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("flaky",
		func(context.Context, WorkflowContext, map[string]any) (StepResult, error) {
			return Fail(fmt.Errorf("down"), errors.CategoryTransient), nil
		}))

	sl := &sleeper{}
	r := newTestRunner(t, nil, handlers, WithSleepFunc(sl.sleep))
	wf := &Workflow{Name: "retrying", Steps: []Step{{
		Name: "flaky", Kind: KindLambda, Handler: "flaky",
		OnError: &ErrorPolicy{
			Action: ActionRetry,
			Retry:  &RetryPolicy{MaxAttempts: 4, BackoffBase: 2, Multiplier: 2},
		},
	}}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, sl.durations())
}

func TestRun_ContinuePolicyRecordsFailureAndProceeds(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("a", okHandler(nil)))
	require.NoError(t, handlers.Register("b",
		func(context.Context, WorkflowContext, map[string]any) (StepResult, error) {
			return Fail(fmt.Errorf("side quest failed"), errors.CategoryDataQuality), nil
		}))
	require.NoError(t, handlers.Register("c", okHandler(nil)))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "tolerant", Steps: []Step{
		{Name: "a", Kind: KindLambda, Handler: "a"},
		{Name: "b", Kind: KindLambda, Handler: "b", OnError: &ErrorPolicy{Action: ActionContinue}},
		{Name: "c", Kind: KindLambda, Handler: "c"},
	}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.False(t, res.Failed(), "continue keeps the run alive")
	assert.Empty(t, res.Error)
	assert.Equal(t, []string{"a", "c"}, res.Completed)

	rec := res.Record("b")
	assert.Equal(t, StepFailed, rec.Status)
	assert.Equal(t, errors.CategoryDataQuality, rec.Category)
	_, ok := res.Context.Output("b")
	assert.False(t, ok, "a failed step publishes no output")
}

func TestRun_StopPolicySkipsRemainder(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("a", okHandler(nil)))
	require.NoError(t, handlers.Register("b",
		func(context.Context, WorkflowContext, map[string]any) (StepResult, error) {
			return Fail(fmt.Errorf("hard stop"), errors.CategoryDependency), nil
		}))
	require.NoError(t, handlers.Register("c", okHandler(nil)))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "strict", Steps: lambdaSteps("a", "b", "c")}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, "b", res.ErrorStep)
	assert.Equal(t, []string{"a"}, res.Completed)
	assert.Equal(t, StepSkipped, res.Record("c").Status)
}

func TestRun_StepTimeout(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("stuck",
		func(context.Context, WorkflowContext, map[string]any) (StepResult, error) {
			time.Sleep(3 * time.Second)
			return OK(nil), nil
		}))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "bounded", Steps: []Step{
		{Name: "stuck", Kind: KindLambda, Handler: "stuck", Timeout: 1},
	}}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, errors.CategoryTimeout, res.Category)
	assert.Equal(t, "stuck", res.ErrorStep)
}

func TestRun_HandlerPanicIsInternal(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("bomb",
		func(context.Context, WorkflowContext, map[string]any) (StepResult, error) {
			panic("kaboom")
		}))

	r := newTestRunner(t, nil, handlers)
	wf := &Workflow{Name: "unsafe", Steps: lambdaSteps("bomb")}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, errors.CategoryInternal, res.Category)
	assert.Contains(t, res.Error, "panic: kaboom")
}

func TestRun_UnknownHandlerFails(t *testing.T) {
	r := newTestRunner(t, nil, nil)
	wf := &Workflow{Name: "ghostly", Steps: lambdaSteps("ghost")}

	res, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, errors.CategoryDependency, res.Category)
	assert.Contains(t, res.Error, "handler not found")
}

func TestRun_InvalidWorkflowRejected(t *testing.T) {
	r := newTestRunner(t, nil, nil)
	_, err := r.Run(context.Background(), &Workflow{Name: "empty"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one step")
}

func TestRun_DryRun(t *testing.T) {
	dispatched := 0
	reg := registry.New()
	require.NoError(t, reg.Register("finra.ingest", pipeline.NewFactory("finra.ingest",
		func(context.Context, execution.Context, pipeline.Params) (pipeline.Result, error) {
			dispatched++
			return pipeline.Completed("", 1), nil
		})))
	var sawDryRun bool
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("note",
		func(_ context.Context, run WorkflowContext, _ map[string]any) (StepResult, error) {
			sawDryRun = run.DryRun()
			return OK(nil), nil
		}))

	sl := &sleeper{}
	store := newTestCheckpointStore(t)
	r := newTestRunner(t, reg, handlers, WithSleepFunc(sl.sleep), WithCheckpointStore(store))
	wf := &Workflow{Name: "rehearsal", Steps: []Step{
		{Name: "note", Kind: KindLambda, Handler: "note"},
		{Name: "ingest", Kind: KindPipeline, Pipeline: "finra.ingest"},
		{Name: "hold", Kind: KindWait, Seconds: 60},
	}}

	res, err := r.Run(context.Background(), wf, nil, WithRunID("run-dry-1"), WithDryRun())
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)
	assert.True(t, res.DryRun)

	assert.True(t, sawDryRun, "lambdas see the dry-run flag")
	assert.Zero(t, dispatched, "pipelines are synthesized, not dispatched")
	out, _ := res.Context.Output("ingest")
	assert.Equal(t, true, out["synthesized"])
	assert.Empty(t, sl.durations(), "waits are skipped")

	_, err = store.Load(context.Background(), "run-dry-1")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf, "dry runs write no checkpoints")
}

func TestRun_CheckpointsEveryStep(t *testing.T) {
	handlers := NewHandlers()
	for _, name := range []string{"s1", "s2", "s3"} {
		require.NoError(t, handlers.Register(name, okHandler(map[string]any{"step": name})))
	}
	store := newTestCheckpointStore(t)
	r := newTestRunner(t, nil, handlers, WithCheckpointStore(store))
	wf := &Workflow{Name: "durable", Steps: lambdaSteps("s1", "s2", "s3")}

	res, err := r.Run(context.Background(), wf, nil, WithRunID("run-ckpt-1"))
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	cp, err := store.Load(context.Background(), "run-ckpt-1")
	require.NoError(t, err)
	assert.Equal(t, "durable", cp.Workflow)
	assert.Equal(t, "s3", cp.StepName)
	assert.Equal(t, 2, cp.StepIndex)
	assert.Equal(t, 3, cp.NextIndex)
	assert.Equal(t, []string{"s1", "s2", "s3"}, cp.Completed)
	assert.Nil(t, cp.ExpiresAt, "no TTL configured")

	v, ok := cp.Context.GetOutput("s1", "step")
	require.True(t, ok)
	assert.Equal(t, "s1", v)
}

func TestRun_CheckpointFlaggedMode(t *testing.T) {
	handlers := NewHandlers()
	for _, name := range []string{"s1", "s2", "s3"} {
		require.NoError(t, handlers.Register(name, okHandler(nil)))
	}
	store := newTestCheckpointStore(t)
	r := newTestRunner(t, nil, handlers, WithCheckpointStore(store))
	wf := &Workflow{
		Name:        "durable",
		Checkpoints: CheckpointFlagged,
		Steps: []Step{
			{Name: "s1", Kind: KindLambda, Handler: "s1"},
			{Name: "s2", Kind: KindLambda, Handler: "s2", Checkpoint: true},
			{Name: "s3", Kind: KindLambda, Handler: "s3"},
		},
	}

	res, err := r.Run(context.Background(), wf, nil, WithRunID("run-ckpt-2"))
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Error)

	cp, err := store.Load(context.Background(), "run-ckpt-2")
	require.NoError(t, err)
	assert.Equal(t, "s2", cp.StepName, "only the flagged step persists")
	assert.Equal(t, 2, cp.NextIndex)
	assert.Equal(t, []string{"s1", "s2"}, cp.Completed)
}

func TestResume_ContinuesAfterFailedStep(t *testing.T) {
	handlers := NewHandlers()
	for _, name := range []string{"s1", "s2", "s4"} {
		name := name
		require.NoError(t, handlers.Register(name, okHandler(map[string]any{"step": name})))
	}
	require.NoError(t, handlers.Register("s3",
		func(_ context.Context, run WorkflowContext, _ map[string]any) (StepResult, error) {
			if run.GetBoolOr("fixed", false) {
				return OK(map[string]any{"step": "s3"}), nil
			}
			return Fail(fmt.Errorf("upstream flapped"), errors.CategoryTransient), nil
		}))

	store := newTestCheckpointStore(t)
	r := newTestRunner(t, nil, handlers, WithCheckpointStore(store))
	wf := &Workflow{Name: "durable", Steps: lambdaSteps("s1", "s2", "s3", "s4")}

	first, err := r.Run(context.Background(), wf, nil, WithRunID("run-resume-1"))
	require.NoError(t, err)
	require.True(t, first.Failed())
	assert.Equal(t, "s3", first.ErrorStep)

	cp, err := store.Load(context.Background(), "run-resume-1")
	require.NoError(t, err)
	assert.Equal(t, "s2", cp.StepName)
	assert.Equal(t, 2, cp.NextIndex)
	assert.Equal(t, []string{"s1", "s2"}, cp.Completed)

	second, err := r.Resume(context.Background(), wf, "run-resume-1", map[string]any{"fixed": true})
	require.NoError(t, err)
	require.False(t, second.Failed(), second.Error)

	assert.True(t, second.Resumed)
	assert.Equal(t, "run-resume-1", second.RunID)
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, second.Completed)
	assert.True(t, second.Record("s1").PreExisting)
	assert.True(t, second.Record("s2").PreExisting)
	assert.False(t, second.Record("s3").PreExisting)
	assert.False(t, second.Record("s4").PreExisting)

	// Rehydrated outputs stay addressable.
	v, ok := second.Context.GetOutput("s1", "step")
	require.True(t, ok)
	assert.Equal(t, "s1", v)
}

func TestResume_AfterChoiceJump(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("s1", okHandler(nil)))
	require.NoError(t, handlers.Register("s2", okHandler(nil)))
	require.NoError(t, handlers.Register("s4", okHandler(nil)))
	require.NoError(t, handlers.Register("s3",
		func(_ context.Context, run WorkflowContext, _ map[string]any) (StepResult, error) {
			if run.GetBoolOr("fixed", false) {
				return OK(nil), nil
			}
			return Fail(fmt.Errorf("flap"), errors.CategoryTransient), nil
		}))

	store := newTestCheckpointStore(t)
	r := newTestRunner(t, nil, handlers, WithCheckpointStore(store))
	wf := &Workflow{Name: "jumpy", Steps: []Step{
		{Name: "s1", Kind: KindLambda, Handler: "s1"},
		{Name: "gate", Kind: KindChoice, Condition: "true", Then: "s3"},
		{Name: "s2", Kind: KindLambda, Handler: "s2"},
		{Name: "s3", Kind: KindLambda, Handler: "s3"},
		{Name: "s4", Kind: KindLambda, Handler: "s4"},
	}}

	first, err := r.Run(context.Background(), wf, nil, WithRunID("run-resume-2"))
	require.NoError(t, err)
	require.True(t, first.Failed())
	assert.Equal(t, "s3", first.ErrorStep)

	// The checkpoint after the choice already points past the skipped
	// step.
	cp, err := store.Load(context.Background(), "run-resume-2")
	require.NoError(t, err)
	assert.Equal(t, "gate", cp.StepName)
	assert.Equal(t, 3, cp.NextIndex)

	second, err := r.Resume(context.Background(), wf, "run-resume-2", map[string]any{"fixed": true})
	require.NoError(t, err)
	require.False(t, second.Failed(), second.Error)
	assert.Equal(t, []string{"s1", "gate", "s3", "s4"}, second.Completed)
	assert.Equal(t, StepSkipped, second.Record("s2").Status)
}

func TestResume_UnknownRun(t *testing.T) {
	store := newTestCheckpointStore(t)
	r := newTestRunner(t, nil, nil, WithCheckpointStore(store))
	wf := &Workflow{Name: "durable", Steps: []Step{{Name: "s1", Kind: KindWait, Seconds: 1}}}

	_, err := r.Resume(context.Background(), wf, "run-missing", nil)
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "checkpoint", nf.Resource)
}

func TestResume_WrongWorkflow(t *testing.T) {
	handlers := NewHandlers()
	require.NoError(t, handlers.Register("s1", okHandler(nil)))

	store := newTestCheckpointStore(t)
	r := newTestRunner(t, nil, handlers, WithCheckpointStore(store))

	alpha := &Workflow{Name: "alpha", Steps: lambdaSteps("s1")}
	_, err := r.Run(context.Background(), alpha, nil, WithRunID("run-cross-1"))
	require.NoError(t, err)

	beta := &Workflow{Name: "beta", Steps: lambdaSteps("s1")}
	_, err = r.Resume(context.Background(), beta, "run-cross-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `belongs to workflow "alpha"`)
}

func TestResume_RequiresStore(t *testing.T) {
	r := newTestRunner(t, nil, nil)
	wf := &Workflow{Name: "durable", Steps: []Step{{Name: "s1", Kind: KindWait, Seconds: 1}}}

	_, err := r.Resume(context.Background(), wf, "run-any", nil)
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "checkpoints", verr.Field)
}

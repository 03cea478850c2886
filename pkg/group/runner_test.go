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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/pkg/dispatch"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/pipeline"
	"github.com/marketspine/spine/pkg/registry"
)

// recorder tracks pipeline invocations across goroutines.
type recorder struct {
	mu      sync.Mutex
	order   []string
	active  int
	peak    int
	batches map[string]bool
}

func newRecorder() *recorder {
	return &recorder{batches: map[string]bool{}}
}

func (r *recorder) enter(name, batch string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
	r.batches[batch] = true
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
}

func (r *recorder) exit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
}

func (r *recorder) ran(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.order {
		if n == name {
			return true
		}
	}
	return false
}

// buildRunner registers one pipeline per step name; names listed in
// failing produce FAILED results.
func buildRunner(t *testing.T, rec *recorder, stepNames []string, failing map[string]bool, delay time.Duration) *Runner {
	t.Helper()
	reg := registry.New()
	for _, name := range stepNames {
		name := name
		require.NoError(t, reg.Register("demo."+name, pipeline.NewFactory("demo."+name,
			func(ctx context.Context, execCtx execution.Context, params pipeline.Params) (pipeline.Result, error) {
				rec.enter(name, execCtx.BatchID)
				defer rec.exit()
				if delay > 0 {
					time.Sleep(delay)
				}
				if failing[name] {
					return pipeline.Result{}, fmt.Errorf("step %s exploded", name)
				}
				return pipeline.Completed("", 1), nil
			})))
	}
	return NewRunner(dispatch.New(reg))
}

func planFor(t *testing.T, g *Group) *Plan {
	t.Helper()
	g.applyDefaults()
	plan, err := NewResolver().Resolve(g, nil)
	require.NoError(t, err)
	return plan
}

func TestRun_SequentialHappyPath(t *testing.T) {
	rec := newRecorder()
	r := buildRunner(t, rec, []string{"a", "b", "c"}, nil, 0)

	plan := planFor(t, &Group{
		Name: "seq",
		Steps: []Step{
			{Name: "a", Pipeline: "demo.a"},
			{Name: "b", Pipeline: "demo.b", DependsOn: []string{"a"}},
			{Name: "c", Pipeline: "demo.c", DependsOn: []string{"b"}},
		},
	})

	result, err := r.Run(context.Background(), plan, execution.TriggerCLI)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []string{"a", "b", "c"}, rec.order)
	for _, se := range result.Steps {
		assert.Equal(t, StepCompleted, se.Status)
		require.NotNil(t, se.Execution)
		assert.Equal(t, plan.BatchID, se.Execution.Context.BatchID,
			"all steps share the plan batch")
	}
}

func TestRun_SequentialStopOnFailure(t *testing.T) {
	rec := newRecorder()
	r := buildRunner(t, rec, []string{"a", "b", "c"}, map[string]bool{"b": true}, 0)

	plan := planFor(t, &Group{
		Name: "stop",
		Steps: []Step{
			{Name: "a", Pipeline: "demo.a"},
			{Name: "b", Pipeline: "demo.b", DependsOn: []string{"a"}},
			{Name: "c", Pipeline: "demo.c", DependsOn: []string{"b"}},
		},
	})

	result, err := r.Run(context.Background(), plan, execution.TriggerCLI)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, StepCompleted, result.Steps[0].Status)
	assert.Equal(t, StepFailed, result.Steps[1].Status)
	assert.Contains(t, result.Steps[1].Error, "exploded")
	assert.Equal(t, StepSkipped, result.Steps[2].Status)
	assert.False(t, rec.ran("c"))
}

func TestRun_SequentialContinueSkipsOnlyDependents(t *testing.T) {
	rec := newRecorder()
	r := buildRunner(t, rec, []string{"a", "b", "c", "d"}, map[string]bool{"b": true}, 0)

	// b fails; c depends on b (skipped); d is independent (runs).
	plan := planFor(t, &Group{
		Name: "continue",
		Steps: []Step{
			{Name: "a", Pipeline: "demo.a"},
			{Name: "b", Pipeline: "demo.b", DependsOn: []string{"a"}},
			{Name: "c", Pipeline: "demo.c", DependsOn: []string{"b"}},
			{Name: "d", Pipeline: "demo.d", DependsOn: []string{"a"}},
		},
		Policy: Policy{OnFailure: OnFailureContinue},
	})

	result, err := r.Run(context.Background(), plan, execution.TriggerCLI)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	byName := map[string]StepStatus{}
	for _, se := range result.Steps {
		byName[se.Step.Name] = se.Status
	}
	assert.Equal(t, StepCompleted, byName["a"])
	assert.Equal(t, StepFailed, byName["b"])
	assert.Equal(t, StepSkipped, byName["c"])
	assert.Equal(t, StepCompleted, byName["d"])
}

func TestRun_ParallelBoundedConcurrency(t *testing.T) {
	rec := newRecorder()
	names := []string{"a", "b", "c", "d", "e"}
	r := buildRunner(t, rec, names, nil, 30*time.Millisecond)

	steps := make([]Step, len(names))
	for i, n := range names {
		steps[i] = Step{Name: n, Pipeline: "demo." + n}
	}
	plan := planFor(t, &Group{
		Name:   "fanout",
		Steps:  steps,
		Policy: Policy{Execution: ExecutionParallel, MaxConcurrency: 2},
	})

	result, err := r.Run(context.Background(), plan, execution.TriggerCLI)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Len(t, rec.order, 5)
	assert.LessOrEqual(t, rec.peak, 2, "max_concurrency bounds in-flight runs")
}

func TestRun_ParallelRespectsDependencies(t *testing.T) {
	rec := newRecorder()
	r := buildRunner(t, rec, []string{"a", "b", "c", "d"}, nil, 10*time.Millisecond)

	plan := planFor(t, &Group{
		Name: "diamond",
		Steps: []Step{
			{Name: "a", Pipeline: "demo.a"},
			{Name: "b", Pipeline: "demo.b", DependsOn: []string{"a"}},
			{Name: "c", Pipeline: "demo.c", DependsOn: []string{"a"}},
			{Name: "d", Pipeline: "demo.d", DependsOn: []string{"b", "c"}},
		},
		Policy: Policy{Execution: ExecutionParallel, MaxConcurrency: 4},
	})

	result, err := r.Run(context.Background(), plan, execution.TriggerCLI)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)

	pos := map[string]int{}
	rec.mu.Lock()
	for i, n := range rec.order {
		pos[n] = i
	}
	rec.mu.Unlock()
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestRun_ParallelStopDrains(t *testing.T) {
	rec := newRecorder()
	r := buildRunner(t, rec, []string{"a", "b", "c"}, map[string]bool{"a": true}, 20*time.Millisecond)

	// a fails fast; b is independent and may already be in flight; c
	// depends on a and must never run.
	plan := planFor(t, &Group{
		Name: "halt",
		Steps: []Step{
			{Name: "a", Pipeline: "demo.a"},
			{Name: "b", Pipeline: "demo.b"},
			{Name: "c", Pipeline: "demo.c", DependsOn: []string{"a"}},
		},
		Policy: Policy{Execution: ExecutionParallel, MaxConcurrency: 2, OnFailure: OnFailureStop},
	})

	result, err := r.Run(context.Background(), plan, execution.TriggerCLI)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	byName := map[string]StepStatus{}
	for _, se := range result.Steps {
		byName[se.Step.Name] = se.Status
	}
	assert.Equal(t, StepFailed, byName["a"])
	assert.Equal(t, StepSkipped, byName["c"])
	assert.False(t, rec.ran("c"))
	// b was either drained to completion or never started.
	assert.Contains(t, []StepStatus{StepCompleted, StepSkipped}, byName["b"])
}

func TestAggregate_Table(t *testing.T) {
	cases := []struct {
		name     string
		children []StepStatus
		want     Status
	}{
		{"all completed", []StepStatus{StepCompleted, StepCompleted}, StatusCompleted},
		{"any running", []StepStatus{StepCompleted, StepRunning, StepFailed}, StatusRunning},
		{"failed no running", []StepStatus{StepCompleted, StepFailed, StepSkipped}, StatusFailed},
		{"cancelled only", []StepStatus{StepCompleted, StepCancelled}, StatusCancelled},
		{"all pending", []StepStatus{StepPending, StepPending}, StatusPending},
		{"else partial", []StepStatus{StepCompleted, StepSkipped}, StatusPartial},
		{"empty", nil, StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Aggregate(tc.children))
		})
	}
}

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

package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/pkg/dispatch"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/pipeline"
	"github.com/marketspine/spine/pkg/registry"
	"github.com/marketspine/spine/pkg/storage"
	"github.com/marketspine/spine/pkg/workflow"
	"github.com/marketspine/spine/pkg/workqueue"
)

func newTestDaemon(t *testing.T, settings config.DaemonSettings) (*Daemon, *workqueue.Queue) {
	t.Helper()

	db, err := storage.Open(storage.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.New()
	register := func(name string, run func(ctx context.Context) (pipeline.Result, error)) {
		err := reg.Register(name, func(execCtx execution.Context, params pipeline.Params) (pipeline.Pipeline, error) {
			return &pipeline.Func{PipelineName: name, RunFunc: run}, nil
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	register("test.daemon.ok", func(ctx context.Context) (pipeline.Result, error) {
		return pipeline.Completed("a1b2c3d4e5f60718", 5), nil
	})
	register("test.daemon.boom", func(ctx context.Context) (pipeline.Result, error) {
		return pipeline.Result{}, errors.New("boom")
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := workqueue.New(db)
	d, err := New(Config{
		Settings:    settings,
		Queue:       queue,
		Dispatcher:  dispatch.New(reg, dispatch.WithLogger(logger)),
		Checkpoints: workflow.NewCheckpointStore(db),
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	return d, queue
}

func enqueueTestItem(t *testing.T, q *workqueue.Queue, pipelineName string, item workqueue.Item) int64 {
	t.Helper()
	item.Domain = "test"
	item.Pipeline = pipelineName
	if item.Partition == nil {
		item.Partition = partition.Key{"week_ending": "2025-08-15"}
	}
	id, err := q.Enqueue(t.Context(), item)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func claimOne(t *testing.T, q *workqueue.Queue) *workqueue.Item {
	t.Helper()
	item, err := q.Claim(t.Context(), "test-worker")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if item == nil {
		t.Fatal("expected a claimable item")
	}
	return item
}

func TestProcess_CompletesItem(t *testing.T) {
	d, q := newTestDaemon(t, config.DaemonSettings{})
	id := enqueueTestItem(t, q, "test.daemon.ok", workqueue.Item{})

	d.process(t.Context(), d.logger, claimOne(t, q))

	item, err := q.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.State != workqueue.StateComplete {
		t.Errorf("expected COMPLETE, got %s", item.State)
	}
	if item.CurrentExecutionID == "" {
		t.Error("expected the execution id to be recorded")
	}
}

func TestProcess_FailureParksForRetry(t *testing.T) {
	d, q := newTestDaemon(t, config.DaemonSettings{})
	id := enqueueTestItem(t, q, "test.daemon.boom", workqueue.Item{})

	d.process(t.Context(), d.logger, claimOne(t, q))

	item, err := q.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.State != workqueue.StateRetryWait {
		t.Errorf("expected RETRY_WAIT, got %s", item.State)
	}
	if !strings.Contains(item.LastError, "boom") {
		t.Errorf("expected last error to carry the failure, got %q", item.LastError)
	}
	if item.AttemptCount != 1 {
		t.Errorf("expected attempt count 1, got %d", item.AttemptCount)
	}
}

func TestProcess_ExhaustedBudgetFails(t *testing.T) {
	d, q := newTestDaemon(t, config.DaemonSettings{})
	id := enqueueTestItem(t, q, "test.daemon.boom", workqueue.Item{MaxAttempts: 1})

	d.process(t.Context(), d.logger, claimOne(t, q))

	item, err := q.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.State != workqueue.StateFailed {
		t.Errorf("expected FAILED, got %s", item.State)
	}
}

func TestProcess_UnknownPipelineFails(t *testing.T) {
	d, q := newTestDaemon(t, config.DaemonSettings{})
	id := enqueueTestItem(t, q, "test.daemon.missing", workqueue.Item{})

	d.process(t.Context(), d.logger, claimOne(t, q))

	item, err := q.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.State != workqueue.StateRetryWait {
		t.Errorf("expected RETRY_WAIT, got %s", item.State)
	}
	if item.LastError == "" {
		t.Error("expected the dispatch error to be recorded")
	}
}

func TestClaimLoop_DrainsQueue(t *testing.T) {
	d, q := newTestDaemon(t, config.DaemonSettings{ClaimInterval: 10 * time.Millisecond})
	id := enqueueTestItem(t, q, "test.daemon.ok", workqueue.Item{})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.claimLoop(ctx, context.Background(), "loop-worker")
	}()

	deadline := time.After(5 * time.Second)
	for {
		item, err := q.Get(t.Context(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if item.State == workqueue.StateComplete {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("item never completed, state %s", item.State)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("claim loop did not stop on cancel")
	}
}

func TestTriggerFor(t *testing.T) {
	if got := triggerFor(execution.LaneBackfill); got != execution.TriggerBackfill {
		t.Errorf("backfill lane: got %s", got)
	}
	if got := triggerFor(execution.LaneNormal); got != execution.TriggerScheduler {
		t.Errorf("normal lane: got %s", got)
	}
	if got := triggerFor(execution.LaneSlow); got != execution.TriggerScheduler {
		t.Errorf("slow lane: got %s", got)
	}
}

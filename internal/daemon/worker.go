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
	"fmt"
	"log/slog"
	"time"

	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/pkg/dispatch"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/workqueue"
)

// claimLoop polls the queue until ctx is cancelled. Claimed items are
// processed on workCtx so shutting the loop down never interrupts work
// already started.
func (d *Daemon) claimLoop(ctx, workCtx context.Context, workerID string) {
	logger := d.logger.With(slog.String("worker", workerID))
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := d.cfg.Queue.Claim(ctx, workerID, d.lanes...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", log.Error(err))
		}
		if item == nil || err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.Settings.ClaimInterval):
			}
			continue
		}
		d.process(workCtx, logger, item)
	}
}

// process runs one claimed item and records the outcome on its queue
// row. The claim lock is held for the whole run; only a crashed worker
// leaves it for the reaper.
func (d *Daemon) process(ctx context.Context, logger *slog.Logger, item *workqueue.Item) {
	d.active.Add(1)
	defer d.active.Add(-1)

	logger = logger.With(
		slog.Int64("item", item.ID),
		slog.String(log.DomainKey, item.Domain),
		slog.String(log.PipelineKey, item.Pipeline),
		slog.String(log.PartitionKey, item.Partition.Canonical()),
	)

	// Mint the context up front so the RUNNING row already points at
	// the execution while it runs.
	execCtx := execution.New(triggerFor(item.Lane), execution.WithLane(item.Lane))
	if err := d.cfg.Queue.AttachExecution(ctx, item.ID, execCtx.ExecutionID.String()); err != nil {
		logger.Warn("attach execution failed", log.Error(err))
	}

	exec, err := d.cfg.Dispatcher.Submit(ctx, item.Pipeline, item.Params,
		dispatch.WithExecutionContext(execCtx))
	if err != nil {
		// The pipeline never ran: unknown name, invalid params, or
		// factory failure.
		logger.Error("dispatch failed", log.Error(err))
		if ferr := d.cfg.Queue.Fail(ctx, item.ID, err); ferr != nil {
			logger.Error("queue fail transition failed", log.Error(ferr))
		}
		return
	}

	if exec.Failed() {
		runErr := errors.New(exec.Result.Error)
		if exec.Result.Category != "" {
			runErr = fmt.Errorf("%s: %s", exec.Result.Category, exec.Result.Error)
		}
		logger.Warn("item failed",
			slog.String("category", string(exec.Result.Category)),
			slog.Int("attempt", item.AttemptCount),
			slog.Duration("duration", exec.Duration),
		)
		if ferr := d.cfg.Queue.Fail(ctx, item.ID, runErr); ferr != nil {
			logger.Error("queue fail transition failed", log.Error(ferr))
		}
		return
	}

	if cerr := d.cfg.Queue.Complete(ctx, item.ID); cerr != nil {
		logger.Error("queue complete transition failed", log.Error(cerr))
		return
	}
	logger.Info("item completed",
		slog.String("status", string(exec.Result.Status)),
		slog.Int64("rows", exec.Result.RowCount),
		slog.Duration("duration", exec.Duration),
	)
}

// triggerFor maps a queue lane to the trigger recorded on executions
// the daemon starts. Backfill-lane work keeps its backfill identity.
func triggerFor(lane execution.Lane) execution.TriggerSource {
	if lane == execution.LaneBackfill {
		return execution.TriggerBackfill
	}
	return execution.TriggerScheduler
}

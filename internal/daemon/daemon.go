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

// Package daemon implements spined, the queue worker process.
//
// The daemon runs a pool of claim loops over the durable work queue,
// a lock reaper, a workflow checkpoint sweeper, a definitions watcher,
// and a small HTTP listener for health and metrics. It deliberately has
// no control API: work arrives through the queue, and the CLI talks to
// the same database, not to the daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/pkg/dispatch"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/workflow"
	"github.com/marketspine/spine/pkg/workqueue"
)

// Config carries the pieces the daemon runs on. Queue, Dispatcher, and
// Checkpoints share one database with the CLI.
type Config struct {
	Settings    config.DaemonSettings
	Definitions config.DefinitionsSettings
	Queue       *workqueue.Queue
	Dispatcher  *dispatch.Dispatcher
	Checkpoints *workflow.CheckpointStore
	Logger      *slog.Logger
	Version     string
}

// Daemon coordinates the worker pool and the housekeeping loops.
type Daemon struct {
	cfg      Config
	logger   *slog.Logger
	library  *Library
	lanes    []execution.Lane
	workerID string

	active    atomic.Int64
	draining  atomic.Bool
	startedAt time.Time
}

// New validates cfg and builds a daemon. Interval and worker-count
// defaults come from config.Default; New only guards against zero
// values so a hand-built Config cannot spin-loop.
func New(cfg Config) (*Daemon, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("daemon: queue is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("daemon: dispatcher is required")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("daemon: checkpoint store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Settings.Workers <= 0 {
		cfg.Settings.Workers = 1
	}
	if cfg.Settings.ClaimInterval <= 0 {
		cfg.Settings.ClaimInterval = time.Second
	}
	if cfg.Settings.ReapInterval <= 0 {
		cfg.Settings.ReapInterval = 30 * time.Second
	}
	if cfg.Settings.CheckpointSweepInterval <= 0 {
		cfg.Settings.CheckpointSweepInterval = 10 * time.Minute
	}
	if cfg.Settings.DrainTimeout <= 0 {
		cfg.Settings.DrainTimeout = 30 * time.Second
	}

	lanes := make([]execution.Lane, 0, len(cfg.Settings.Lanes))
	for _, raw := range cfg.Settings.Lanes {
		lane, err := execution.ParseLane(raw)
		if err != nil {
			return nil, err
		}
		lanes = append(lanes, lane)
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "spined"
	}

	logger := log.WithComponent(cfg.Logger, "daemon")
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		library:  NewLibrary(cfg.Definitions, logger),
		lanes:    lanes,
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}, nil
}

// Run starts every loop and blocks until ctx is cancelled or the HTTP
// listener fails. Cancellation stops the claim loops from taking new
// items; work already submitted runs to completion, bounded only by
// the drain timeout below. Items abandoned past the timeout stay
// RUNNING until a reaper returns them to PENDING after the lock TTL.
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = time.Now().UTC()

	if err := d.library.Reload(); err != nil {
		d.logger.Warn("definitions load failed", log.Error(err))
	}

	ln, err := net.Listen("tcp", d.cfg.Settings.ListenAddr)
	if err != nil {
		return fmt.Errorf("daemon listen on %s: %w", d.cfg.Settings.ListenAddr, err)
	}
	server := &http.Server{
		Handler:      d.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// loopCtx stops the claim loops and tickers on shutdown. Dispatches
	// run on workCtx, which survives cancellation so a drain never
	// interrupts a pipeline mid-write.
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	workCtx := context.WithoutCancel(ctx)

	var pool sync.WaitGroup
	for i := 1; i <= d.cfg.Settings.Workers; i++ {
		pool.Add(1)
		workerID := fmt.Sprintf("%s-w%d", d.workerID, i)
		go func() {
			defer pool.Done()
			d.claimLoop(loopCtx, workCtx, workerID)
		}()
	}

	var housekeeping sync.WaitGroup
	housekeeping.Add(3)
	go func() {
		defer housekeeping.Done()
		d.reapLoop(loopCtx)
	}()
	go func() {
		defer housekeeping.Done()
		d.sweepLoop(loopCtx)
	}()
	go func() {
		defer housekeeping.Done()
		d.watchDefinitions(loopCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	laneNames := make([]string, len(d.lanes))
	for i, lane := range d.lanes {
		laneNames[i] = string(lane)
	}
	d.logger.Info("spined started",
		slog.String("version", d.cfg.Version),
		slog.String("listen", ln.Addr().String()),
		slog.Int("workers", d.cfg.Settings.Workers),
		slog.Any("lanes", laneNames),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = err
	}
	stopLoops()
	d.draining.Store(true)

	d.logger.Info("draining", slog.Int64("active", d.active.Load()))
	if !waitTimeout(&pool, d.cfg.Settings.DrainTimeout) {
		d.logger.Warn("drain timeout exceeded",
			slog.Int64("active", d.active.Load()),
			slog.Duration("drain_timeout", d.cfg.Settings.DrainTimeout),
		)
	}
	housekeeping.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("http shutdown failed", log.Error(err))
	}

	d.logger.Info("spined stopped")
	return runErr
}

// reapLoop returns expired RUNNING locks to PENDING and refreshes the
// queue depth gauges on the same tick.
func (d *Daemon) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Settings.ReapInterval)
	defer ticker.Stop()

	d.sampleQueueDepth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.cfg.Queue.Reap(ctx, 0)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Error("reap failed", log.Error(err))
				continue
			}
			if n > 0 {
				d.logger.Info("reaped expired locks", slog.Int("count", n))
			}
			d.sampleQueueDepth(ctx)
		}
	}
}

// sampleQueueDepth refreshes the depth gauges. Stats updates them as a
// side effect; the result itself is not needed here.
func (d *Daemon) sampleQueueDepth(ctx context.Context) {
	if _, err := d.cfg.Queue.Stats(ctx); err != nil && ctx.Err() == nil {
		d.logger.Debug("queue stats failed", log.Error(err))
	}
}

// sweepLoop deletes expired workflow checkpoints.
func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Settings.CheckpointSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.cfg.Checkpoints.Sweep(ctx, time.Now().UTC())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Error("checkpoint sweep failed", log.Error(err))
				continue
			}
			if n > 0 {
				d.logger.Info("swept expired checkpoints", slog.Int("count", n))
			}
		}
	}
}

// waitTimeout waits for wg up to d. Reports whether the wait finished
// in time.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

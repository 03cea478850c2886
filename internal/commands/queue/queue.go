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

// Package queue implements the spine queue commands: enqueue work for
// the daemon, inspect queue state, and nudge items through the manual
// transitions (retry, cancel, reap).
package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/commands/completion"
	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/pipeline"
	"github.com/marketspine/spine/pkg/workqueue"
)

// NewCommand creates the queue command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
		Long: `Queue manages durable queued work processed by spined.

Items move PENDING -> RUNNING -> COMPLETE, with RETRY_WAIT between
failed attempts and FAILED once attempts are exhausted. retry requeues
a FAILED or CANCELLED item; cancel stops a pending one; reap releases
locks abandoned by dead workers.`,
	}

	cmd.AddCommand(newEnqueueCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRetryCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newReapCommand())
	cmd.AddCommand(newStatsCommand())

	return cmd
}

func newEnqueueCommand() *cobra.Command {
	var (
		partitionKey string
		params       []string
		priority     int
		lane         string
		maxAttempts  int
	)

	cmd := &cobra.Command{
		Use:   "enqueue PIPELINE",
		Short: "Enqueue a pipeline run for the daemon",
		Example: `  spine queue enqueue finra.otc_transparency.ingest_week \
      --partition week_ending=2025-08-15/tier=NMS_TIER_1 \
      --param source=file --lane backfill`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pipelineName := args[0]

			key, err := parsePartition(partitionKey)
			if err != nil {
				return shared.NewInvalidInputError("invalid partition", err)
			}
			runParams, err := parseParams(params)
			if err != nil {
				return shared.NewInvalidInputError("invalid params", err)
			}

			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return shared.NewInvalidInputError("startup failed", err)
			}
			defer rt.Close()

			// Fail here, not at claim time, when the pipeline is unknown.
			if _, err := rt.Registry.Get(pipelineName); err != nil {
				return shared.NewInvalidInputError("unknown pipeline", err)
			}

			item := workqueue.Item{
				Domain:      domainOf(pipelineName),
				Pipeline:    pipelineName,
				Partition:   key,
				Params:      runParams,
				Priority:    priority,
				Lane:        execution.Lane(lane),
				MaxAttempts: maxAttempts,
			}

			id, err := rt.Queue.Enqueue(ctx, item)
			if err != nil {
				return shared.NewExecutionError("enqueue failed", err)
			}

			if shared.GetJSON() {
				return shared.EmitJSON(struct {
					shared.JSONResponse
					ID int64 `json:"id"`
				}{
					JSONResponse: shared.JSONResponse{Version: "1.0", Command: "queue enqueue", Success: true},
					ID:           id,
				})
			}
			cmd.Println(shared.RenderOK(fmt.Sprintf("enqueued item %d (%s on %s)", id, pipelineName, key.Canonical())))
			return nil
		},
	}

	cmd.Flags().StringVar(&partitionKey, "partition", "", "Partition key in canonical form (dim=value/dim=value)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Pipeline parameter as key=value (repeatable)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Claim priority (higher first)")
	cmd.Flags().StringVar(&lane, "lane", string(execution.LaneNormal), "Lane: normal, backfill, or slow")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt budget (default 3)")

	cmd.RegisterFlagCompletionFunc("lane", completion.Lanes)

	return cmd
}

func newListCommand() *cobra.Command {
	var (
		domain       string
		pipelineName string
		state        string
		lane         string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if state != "" && !workqueue.State(state).Valid() {
				return shared.NewInvalidInputError("invalid options", &errors.ValidationError{
					Field:      "state",
					Message:    "unknown state " + state,
					Suggestion: "one of PENDING, RUNNING, RETRY_WAIT, FAILED, COMPLETE, CANCELLED",
				})
			}

			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return shared.NewInvalidInputError("startup failed", err)
			}
			defer rt.Close()

			items, err := rt.Queue.List(ctx, workqueue.Filter{
				Domain:   domain,
				Pipeline: pipelineName,
				State:    workqueue.State(state),
				Lane:     execution.Lane(lane),
				Limit:    limit,
			})
			if err != nil {
				return shared.NewExecutionError("list failed", err)
			}

			if shared.GetJSON() {
				views := make([]itemView, 0, len(items))
				for _, item := range items {
					views = append(views, newItemView(item))
				}
				return shared.EmitJSON(struct {
					shared.JSONResponse
					Items []itemView `json:"items"`
				}{
					JSONResponse: shared.JSONResponse{Version: "1.0", Command: "queue list", Success: true},
					Items:        views,
				})
			}

			if len(items) == 0 {
				cmd.Println("queue is empty")
				return nil
			}
			for _, item := range items {
				cmd.Println(renderItem(item))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Filter by domain")
	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "Filter by pipeline")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state")
	cmd.Flags().StringVar(&lane, "lane", "", "Filter by lane")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum items to list")

	cmd.RegisterFlagCompletionFunc("lane", completion.Lanes)

	return cmd
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Requeue a failed or cancelled item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionItem(cmd, "queue retry", args[0], func(rt *shared.Runtime, id int64) error {
				return rt.Queue.Retry(cmd.Context(), id)
			})
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending or waiting item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionItem(cmd, "queue cancel", args[0], func(rt *shared.Runtime, id int64) error {
				return rt.Queue.Cancel(cmd.Context(), id)
			})
		},
	}
}

func newReapCommand() *cobra.Command {
	var olderThan string

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Release locks held by dead workers",
		Long: `Reap returns RUNNING items whose lock went stale back to PENDING.

The lock is stale when its worker has not touched it within the TTL,
which usually means the worker died mid-run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return shared.NewInvalidInputError("startup failed", err)
			}
			defer rt.Close()

			ttl := rt.Settings.Daemon.LockTTL
			if olderThan != "" {
				parsed, err := parseDuration(olderThan)
				if err != nil {
					return shared.NewInvalidInputError("invalid options", err)
				}
				ttl = parsed
			}

			count, err := rt.Queue.Reap(ctx, ttl)
			if err != nil {
				return shared.NewExecutionError("reap failed", err)
			}

			if shared.GetJSON() {
				return shared.EmitJSON(struct {
					shared.JSONResponse
					Reaped int `json:"reaped"`
				}{
					JSONResponse: shared.JSONResponse{Version: "1.0", Command: "queue reap", Success: true},
					Reaped:       count,
				})
			}
			cmd.Println(shared.RenderOK(fmt.Sprintf("reaped %d items", count)))
			return nil
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "", "Treat locks older than this as stale (e.g. 45m; default from settings)")

	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show item counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return shared.NewInvalidInputError("startup failed", err)
			}
			defer rt.Close()

			stats, err := rt.Queue.Stats(ctx)
			if err != nil {
				return shared.NewExecutionError("stats failed", err)
			}

			if shared.GetJSON() {
				return shared.EmitJSON(struct {
					shared.JSONResponse
					States map[workqueue.State]int `json:"states"`
				}{
					JSONResponse: shared.JSONResponse{Version: "1.0", Command: "queue stats", Success: true},
					States:       stats,
				})
			}

			order := []workqueue.State{
				workqueue.StatePending, workqueue.StateRunning, workqueue.StateRetryWait,
				workqueue.StateFailed, workqueue.StateComplete, workqueue.StateCancelled,
			}
			for _, st := range order {
				cmd.Printf("%-11s %d\n", string(st), stats[st])
			}
			return nil
		},
	}
}

// transitionItem runs one manual state transition by item ID.
func transitionItem(cmd *cobra.Command, command, rawID string, fn func(*shared.Runtime, int64) error) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return shared.NewInvalidInputError("invalid options", &errors.ValidationError{
			Field:   "id",
			Message: fmt.Sprintf("%q is not an item ID", rawID),
		})
	}

	rt, err := shared.OpenRuntime(cmd.Context())
	if err != nil {
		return shared.NewInvalidInputError("startup failed", err)
	}
	defer rt.Close()

	if err := fn(rt, id); err != nil {
		return shared.NewExecutionError(command, err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(struct {
			shared.JSONResponse
			ID int64 `json:"id"`
		}{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: command, Success: true},
			ID:           id,
		})
	}
	cmd.Println(shared.RenderOK(fmt.Sprintf("item %d updated", id)))
	return nil
}

// parsePartition parses the dim=value/dim=value flag form into a key.
func parsePartition(raw string) (partition.Key, error) {
	if raw == "" {
		return nil, &errors.ValidationError{
			Field:      "partition",
			Message:    "partition is required",
			Suggestion: "pass --partition dim=value/dim=value",
		}
	}
	key := partition.Key{}
	for _, part := range strings.Split(raw, "/") {
		dim, value, ok := strings.Cut(part, "=")
		if !ok || dim == "" || value == "" {
			return nil, &errors.ValidationError{
				Field:   "partition",
				Message: fmt.Sprintf("%q is not dim=value", part),
			}
		}
		key[dim] = value
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return key, nil
}

// parseParams parses repeated key=value flags.
func parseParams(raw []string) (pipeline.Params, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(pipeline.Params, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, &errors.ValidationError{
				Field:   "param",
				Message: fmt.Sprintf("%q is not key=value", kv),
			}
		}
		params[key] = value
	}
	return params, nil
}

// parseDuration accepts Go duration syntax.
func parseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &errors.ValidationError{
			Field:      "older-than",
			Message:    fmt.Sprintf("%q is not a duration", raw),
			Suggestion: "use Go duration syntax, e.g. 45m or 2h",
		}
	}
	if d <= 0 {
		return 0, &errors.ValidationError{
			Field:   "older-than",
			Message: "duration must be positive",
		}
	}
	return d, nil
}

// domainOf extracts the registry domain from a dotted pipeline name.
func domainOf(pipelineName string) string {
	if i := strings.Index(pipelineName, "."); i > 0 {
		return pipelineName[:i]
	}
	return pipelineName
}

// itemView is the JSON shape of one queue item.
type itemView struct {
	ID           int64          `json:"id"`
	Domain       string         `json:"domain"`
	Pipeline     string         `json:"pipeline"`
	Partition    string         `json:"partition"`
	State        string         `json:"state"`
	Lane         string         `json:"lane"`
	Priority     int            `json:"priority,omitempty"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	NextAttempt  *time.Time     `json:"next_attempt_at,omitempty"`
	LockedBy     string         `json:"locked_by,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func newItemView(item workqueue.Item) itemView {
	return itemView{
		ID:          item.ID,
		Domain:      item.Domain,
		Pipeline:    item.Pipeline,
		Partition:   item.Partition.Canonical(),
		State:       string(item.State),
		Lane:        string(item.Lane),
		Priority:    item.Priority,
		Attempts:    item.AttemptCount,
		MaxAttempts: item.MaxAttempts,
		NextAttempt: item.NextAttemptAt,
		LockedBy:    item.LockedBy,
		LastError:   item.LastError,
		ExecutionID: item.CurrentExecutionID,
		Params:      item.Params,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}
}

// renderItem formats one queue item for terminal output.
func renderItem(item workqueue.Item) string {
	status := shared.RenderStatus(item.State == workqueue.StateComplete || item.State == workqueue.StatePending || item.State == workqueue.StateRunning, string(item.State))
	line := fmt.Sprintf("%s #%d %s %s lane=%s attempts=%d/%d",
		status, item.ID, item.Pipeline, item.Partition.Canonical(), item.Lane, item.AttemptCount, item.MaxAttempts)
	if item.LastError != "" {
		line += "\n    " + shared.Muted.Render(item.LastError)
	}
	return line
}

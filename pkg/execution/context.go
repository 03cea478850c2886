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

// Package execution holds the identity primitives threaded through every
// pipeline run: the execution context, trigger sources, lanes, and batch
// ids. Contexts are values; once created they are never mutated.
package execution

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketspine/spine/pkg/errors"
)

// TriggerSource identifies what initiated an execution.
type TriggerSource string

const (
	TriggerCLI       TriggerSource = "cli"
	TriggerAPI       TriggerSource = "api"
	TriggerScheduler TriggerSource = "scheduler"
	TriggerBackfill  TriggerSource = "backfill"
	TriggerTest      TriggerSource = "test"
)

// Valid reports whether t is one of the defined trigger sources.
func (t TriggerSource) Valid() bool {
	switch t {
	case TriggerCLI, TriggerAPI, TriggerScheduler, TriggerBackfill, TriggerTest:
		return true
	}
	return false
}

// ParseTrigger converts a string into a TriggerSource.
func ParseTrigger(s string) (TriggerSource, error) {
	t := TriggerSource(strings.ToLower(s))
	if !t.Valid() {
		return "", &errors.ValidationError{
			Field:      "trigger_source",
			Message:    fmt.Sprintf("unknown trigger source %q", s),
			Suggestion: "Use one of: cli, api, scheduler, backfill, test",
		}
	}
	return t, nil
}

// Lane partitions workers by workload class so backfills cannot starve
// the normal lane.
type Lane string

const (
	LaneNormal   Lane = "normal"
	LaneBackfill Lane = "backfill"
	LaneSlow     Lane = "slow"
)

// Valid reports whether l is one of the defined lanes.
func (l Lane) Valid() bool {
	switch l {
	case LaneNormal, LaneBackfill, LaneSlow:
		return true
	}
	return false
}

// ParseLane converts a string into a Lane.
func ParseLane(s string) (Lane, error) {
	l := Lane(strings.ToLower(s))
	if !l.Valid() {
		return "", &errors.ValidationError{
			Field:      "lane",
			Message:    fmt.Sprintf("unknown lane %q", s),
			Suggestion: "Use one of: normal, backfill, slow",
		}
	}
	return l, nil
}

// Context is the identity of a single pipeline run. It is immutable;
// Child derives new contexts for related runs that share a batch.
type Context struct {
	// ExecutionID uniquely identifies this run.
	ExecutionID uuid.UUID

	// BatchID groups related executions (a group run, a scheduler sweep).
	// Child contexts inherit it.
	BatchID string

	// Trigger records what initiated the run.
	Trigger TriggerSource

	// Lane is the workload class the run belongs to.
	Lane Lane

	// StartedAt is the UTC creation time.
	StartedAt time.Time
}

// Option customizes context creation.
type Option func(*Context)

// WithBatchID makes the new context join an existing batch instead of
// minting one.
func WithBatchID(batchID string) Option {
	return func(c *Context) {
		if batchID != "" {
			c.BatchID = batchID
		}
	}
}

// WithLane sets the workload lane. Default is LaneNormal.
func WithLane(lane Lane) Option {
	return func(c *Context) {
		if lane.Valid() {
			c.Lane = lane
		}
	}
}

// New creates a context with a fresh execution id. A batch id is minted
// unless WithBatchID supplies one.
func New(trigger TriggerSource, opts ...Option) Context {
	c := Context{
		ExecutionID: uuid.New(),
		Trigger:     trigger,
		Lane:        LaneNormal,
		StartedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.BatchID == "" {
		c.BatchID = NewBatchID(string(trigger))
	}
	return c
}

// Child returns a new context with a fresh execution id that shares the
// receiver's batch id, trigger, and lane.
func (c Context) Child() Context {
	return Context{
		ExecutionID: uuid.New(),
		BatchID:     c.BatchID,
		Trigger:     c.Trigger,
		Lane:        c.Lane,
		StartedAt:   time.Now().UTC(),
	}
}

// NewBatchID mints a batch id of the form "<prefix>_<12-hex>". Prefixes
// are sanitized to keep ids shell- and SQL-friendly.
func NewBatchID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "batch"
	}
	prefix = strings.ReplaceAll(prefix, " ", "_")
	return prefix + "_" + suffix
}

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

// Package workflow implements context-passing orchestration: a runner
// threads an immutable WorkflowContext through an ordered list of
// steps, each step returns a StepResult describing what to publish
// into the context, and checkpoints make any run resumable from the
// step after the last completed one.
package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/pipeline"
)

// WorkflowContext is the immutable value threaded through a run. Every
// mutator returns a new context with the change merged; the receiver
// is never modified. This makes the context serializable at any point,
// which is what checkpoints, resumes, and map fan-out rely on.
//
// The maps inside a context are owned by it. Readers must not mutate
// what the accessors return.
type WorkflowContext struct {
	// RunID identifies this workflow run.
	RunID string `json:"run_id"`

	// TraceID correlates the run across log lines and trace spans.
	TraceID string `json:"trace_id,omitempty"`

	// BatchID groups this run with sibling runs.
	BatchID string `json:"batch_id,omitempty"`

	// StartedAt is the UTC wall-clock start of the run.
	StartedAt time.Time `json:"started_at"`

	// Params is the parameter space. Step context_updates merge here.
	Params pipeline.Params `json:"params"`

	// StepOutputs maps completed step name to its output. A step's
	// entry exists iff the step completed earlier in the traversal.
	StepOutputs map[string]map[string]any `json:"step_outputs"`

	// Metadata carries free-form string annotations.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Checkpoint names the last checkpointed step, set on rehydration.
	Checkpoint string `json:"checkpoint,omitempty"`

	// Partition is the partition this run operates on, if any.
	Partition partition.Key `json:"partition,omitempty"`

	// AsOfDate is the logical date of the run (YYYY-MM-DD).
	AsOfDate string `json:"as_of_date,omitempty"`

	// CaptureID is the capture this run writes under, if any.
	CaptureID partition.CaptureID `json:"capture_id,omitempty"`

	// IdempotencyKey deduplicates externally triggered runs.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// NewContext mints a context for a fresh run with deep-copied params.
func NewContext(params map[string]any) WorkflowContext {
	return WorkflowContext{
		RunID:       uuid.NewString(),
		TraceID:     uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		Params:      cloneParams(params),
		StepOutputs: map[string]map[string]any{},
	}
}

// clone deep-copies every map so the returned context shares nothing
// with the receiver.
func (c WorkflowContext) clone() WorkflowContext {
	out := c
	out.Params = cloneParams(c.Params)
	out.StepOutputs = make(map[string]map[string]any, len(c.StepOutputs))
	for step, output := range c.StepOutputs {
		out.StepOutputs[step] = cloneAnyMap(output)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Partition != nil {
		out.Partition = c.Partition.Clone()
	}
	return out
}

// WithParams returns a context with the parameter space replaced.
func (c WorkflowContext) WithParams(params map[string]any) WorkflowContext {
	out := c.clone()
	out.Params = cloneParams(params)
	return out
}

// WithUpdates returns a context with updates merged over Params.
// Later writers win; a nil or empty updates map is a no-op copy.
func (c WorkflowContext) WithUpdates(updates map[string]any) WorkflowContext {
	out := c.clone()
	for k, v := range updates {
		out.Params[k] = cloneValue(v)
	}
	return out
}

// WithStepOutput returns a context recording step's output.
func (c WorkflowContext) WithStepOutput(step string, output map[string]any) WorkflowContext {
	out := c.clone()
	if output == nil {
		output = map[string]any{}
	}
	out.StepOutputs[step] = cloneAnyMap(output)
	return out
}

// WithPartition returns a context bound to key.
func (c WorkflowContext) WithPartition(key partition.Key) WorkflowContext {
	out := c.clone()
	out.Partition = key.Clone()
	return out
}

// WithAsOfDate returns a context with the logical date set.
func (c WorkflowContext) WithAsOfDate(date string) WorkflowContext {
	out := c.clone()
	out.AsOfDate = date
	return out
}

// WithCaptureID returns a context bound to a capture.
func (c WorkflowContext) WithCaptureID(id partition.CaptureID) WorkflowContext {
	out := c.clone()
	out.CaptureID = id
	return out
}

// WithMetadata returns a context with one annotation set.
func (c WorkflowContext) WithMetadata(key, value string) WorkflowContext {
	out := c.clone()
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	out.Metadata[key] = value
	return out
}

// WithCheckpoint returns a context naming its checkpoint step.
func (c WorkflowContext) WithCheckpoint(step string) WorkflowContext {
	out := c.clone()
	out.Checkpoint = step
	return out
}

// WithIdempotencyKey returns a context carrying the dedup key.
func (c WorkflowContext) WithIdempotencyKey(key string) WorkflowContext {
	out := c.clone()
	out.IdempotencyKey = key
	return out
}

// GetString reads a string param. See pipeline.Params.GetString.
func (c WorkflowContext) GetString(key string) (string, error) {
	return c.Params.GetString(key)
}

// GetStringOr reads a string param with a default.
func (c WorkflowContext) GetStringOr(key, defaultVal string) string {
	return c.Params.GetStringOr(key, defaultVal)
}

// GetInt64 reads an integer param.
func (c WorkflowContext) GetInt64(key string) (int64, error) {
	return c.Params.GetInt64(key)
}

// GetInt64Or reads an integer param with a default.
func (c WorkflowContext) GetInt64Or(key string, defaultVal int64) int64 {
	return c.Params.GetInt64Or(key, defaultVal)
}

// GetBool reads a boolean param.
func (c WorkflowContext) GetBool(key string) (bool, error) {
	return c.Params.GetBool(key)
}

// GetBoolOr reads a boolean param with a default.
func (c WorkflowContext) GetBoolOr(key string, defaultVal bool) bool {
	return c.Params.GetBoolOr(key, defaultVal)
}

// DryRun reports whether the run must not produce side effects.
func (c WorkflowContext) DryRun() bool {
	return c.Params.GetBoolOr(pipeline.KeyDryRun, false)
}

// Output returns the full output of a completed step. The second
// return is false when the step has not completed.
func (c WorkflowContext) Output(step string) (map[string]any, bool) {
	out, ok := c.StepOutputs[step]
	return out, ok
}

// GetOutput returns one key from a completed step's output.
func (c WorkflowContext) GetOutput(step, key string) (any, bool) {
	out, ok := c.StepOutputs[step]
	if !ok {
		return nil, false
	}
	v, ok := out[key]
	return v, ok
}

// Document flattens the context into the shape condition expressions
// and items paths evaluate against: params, outputs, partition,
// metadata, and the scalar run fields.
func (c WorkflowContext) Document() map[string]any {
	outputs := make(map[string]any, len(c.StepOutputs))
	for step, out := range c.StepOutputs {
		outputs[step] = map[string]any(out)
	}
	part := make(map[string]any, len(c.Partition))
	for k, v := range c.Partition {
		part[k] = v
	}
	meta := make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"run_id":     c.RunID,
		"batch_id":   c.BatchID,
		"as_of_date": c.AsOfDate,
		"capture_id": string(c.CaptureID),
		"checkpoint": c.Checkpoint,
		"params":     map[string]any(c.Params),
		"outputs":    outputs,
		"partition":  part,
		"metadata":   meta,
	}
}

func cloneParams(m map[string]any) pipeline.Params {
	out := make(pipeline.Params, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies the container shapes JSON and YAML decoding
// produce. Scalars and unknown types are shared, which is safe because
// the contract treats them as values.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAnyMap(t)
	case pipeline.Params:
		return map[string]any(cloneParams(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}

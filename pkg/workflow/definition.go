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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marketspine/spine/internal/jq"
	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/workflow/expression"
)

// StepKind selects how a step executes.
type StepKind string

const (
	// KindLambda calls a registered handler function.
	KindLambda StepKind = "lambda"
	// KindPipeline dispatches a registered pipeline.
	KindPipeline StepKind = "pipeline"
	// KindChoice evaluates a condition and jumps forward.
	KindChoice StepKind = "choice"
	// KindWait suspends the run for a duration or until a time.
	KindWait StepKind = "wait"
	// KindMap fans an iterator workflow out over a list of items.
	KindMap StepKind = "map"
)

// FailureMode governs a map step when an item fails.
type FailureMode string

const (
	// FailFast aborts the map on the first item failure.
	FailFast FailureMode = "fail_fast"
	// Partial runs every item; the map fails only when all items do.
	Partial FailureMode = "partial"
)

// ErrorAction selects what the runner does after a step fails.
type ErrorAction string

const (
	// ActionStop aborts the workflow, surfacing the error.
	ActionStop ErrorAction = "stop"
	// ActionContinue records the failure and proceeds.
	ActionContinue ErrorAction = "continue"
	// ActionRetry re-executes per the retry policy, then stops.
	ActionRetry ErrorAction = "retry"
)

// CheckpointMode selects when the runner persists checkpoints.
type CheckpointMode string

const (
	// CheckpointEveryStep persists after each successful step.
	CheckpointEveryStep CheckpointMode = "every_step"
	// CheckpointFlagged persists only after steps with checkpoint: true.
	CheckpointFlagged CheckpointMode = "flagged"
	// CheckpointDisabled never persists.
	CheckpointDisabled CheckpointMode = "disabled"
)

// Retry defaults. Step retries are short and in-process; long waits
// belong on the work queue, not inside a workflow run.
const (
	DefaultRetryMaxAttempts = 2
	DefaultRetryBackoffBase = 1
	DefaultRetryMultiplier  = 2.0
)

// RetryPolicy configures in-process step retries. Backoff for attempt
// N is BackoffBase * Multiplier^(N-1) seconds.
type RetryPolicy struct {
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase int     `yaml:"backoff_base" json:"backoff_base"`
	Multiplier  float64 `yaml:"multiplier" json:"multiplier"`

	// RetryableCategories limits retries to these error categories.
	// Empty means the categories that are retryable by taxonomy.
	RetryableCategories []string `yaml:"retryable_categories,omitempty" json:"retryable_categories,omitempty"`
}

// Validate checks the retry policy shape.
func (r *RetryPolicy) Validate() error {
	if r.MaxAttempts < 1 {
		return &errors.ValidationError{
			Field:   "retry.max_attempts",
			Message: "must be at least 1",
		}
	}
	if r.BackoffBase < 1 {
		return &errors.ValidationError{
			Field:   "retry.backoff_base",
			Message: "must be at least 1 second",
		}
	}
	if r.Multiplier < 1.0 {
		return &errors.ValidationError{
			Field:   "retry.multiplier",
			Message: "must be at least 1.0",
		}
	}
	for _, c := range r.RetryableCategories {
		if !errors.Category(c).Valid() {
			return &errors.ValidationError{
				Field:      "retry.retryable_categories",
				Message:    fmt.Sprintf("unknown category %q", c),
				Suggestion: "use TRANSIENT, TIMEOUT, DATA_QUALITY, CONFIGURATION, DEPENDENCY, or INTERNAL",
			}
		}
	}
	return nil
}

// retryable reports whether a failure in cat may be retried under
// this policy.
func (r *RetryPolicy) retryable(cat errors.Category) bool {
	if len(r.RetryableCategories) == 0 {
		return cat.Retryable()
	}
	for _, c := range r.RetryableCategories {
		if errors.Category(c) == cat {
			return true
		}
	}
	return false
}

// ErrorPolicy selects the action after a step failure. Retry without
// an explicit policy uses the defaults.
type ErrorPolicy struct {
	Action ErrorAction  `yaml:"action" json:"action"`
	Retry  *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Validate checks the error policy shape.
func (p *ErrorPolicy) Validate() error {
	switch p.Action {
	case ActionStop, ActionContinue, ActionRetry:
	default:
		return &errors.ValidationError{
			Field:      "on_error.action",
			Message:    fmt.Sprintf("unknown action %q", p.Action),
			Suggestion: "use stop, continue, or retry",
		}
	}
	if p.Retry != nil {
		return p.Retry.Validate()
	}
	return nil
}

// Step is one unit of a workflow. Kind selects which field group
// applies; the rest stay zero.
type Step struct {
	Name string   `yaml:"name" json:"name"`
	Kind StepKind `yaml:"kind" json:"kind"`

	// Lambda: Handler names a registered handler; Config is passed to
	// it verbatim.
	Handler string         `yaml:"handler,omitempty" json:"handler,omitempty"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Pipeline: Pipeline names a registry entry; Params overlay the
	// context params for the dispatch.
	Pipeline string         `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Choice: Condition is an expression over the context document;
	// Then and Else name forward steps to jump to. An empty Else falls
	// through to the next step.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Then      string `yaml:"then,omitempty" json:"then,omitempty"`
	Else      string `yaml:"else,omitempty" json:"else,omitempty"`

	// Wait: Seconds or Until (RFC 3339), exactly one.
	Seconds int    `yaml:"seconds,omitempty" json:"seconds,omitempty"`
	Until   string `yaml:"until,omitempty" json:"until,omitempty"`

	// Map: Items is a literal list, ItemsPath a jq program over the
	// context document; exactly one. Each item runs Iterator as a
	// sub-workflow with ItemParam bound.
	Items          []any       `yaml:"items,omitempty" json:"items,omitempty"`
	ItemsPath      string      `yaml:"items_path,omitempty" json:"items_path,omitempty"`
	ItemParam      string      `yaml:"item_param,omitempty" json:"item_param,omitempty"`
	MaxConcurrency int         `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
	FailureMode    FailureMode `yaml:"failure_mode,omitempty" json:"failure_mode,omitempty"`
	Iterator       *Workflow   `yaml:"iterator,omitempty" json:"iterator,omitempty"`

	// Checkpoint flags this step for CheckpointFlagged mode.
	Checkpoint bool `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`

	// Timeout bounds one execution attempt, in seconds. 0 is no bound.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// OnError selects the failure action. Nil means stop.
	OnError *ErrorPolicy `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// errorAction resolves the effective action for a failed step.
func (s *Step) errorAction() ErrorAction {
	if s.OnError == nil {
		return ActionStop
	}
	return s.OnError.Action
}

// retryPolicy resolves the effective retry policy, defaulted.
func (s *Step) retryPolicy() RetryPolicy {
	if s.OnError != nil && s.OnError.Retry != nil {
		return *s.OnError.Retry
	}
	return RetryPolicy{
		MaxAttempts: DefaultRetryMaxAttempts,
		BackoffBase: DefaultRetryBackoffBase,
		Multiplier:  DefaultRetryMultiplier,
	}
}

// Workflow is a named ordered list of steps, loadable from YAML.
// Lambda handlers are registered in code by name; everything else is
// declarative.
type Workflow struct {
	Name        string `yaml:"name" json:"name"`
	Domain      string `yaml:"domain,omitempty" json:"domain,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Defaults seed the context params for every run.
	Defaults map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Checkpoints selects the persistence policy.
	Checkpoints CheckpointMode `yaml:"checkpoints,omitempty" json:"checkpoints,omitempty"`

	// CheckpointTTL expires checkpoints after this many seconds.
	// 0 keeps them until swept explicitly.
	CheckpointTTL int `yaml:"checkpoint_ttl,omitempty" json:"checkpoint_ttl,omitempty"`

	Steps []Step `yaml:"steps" json:"steps"`
}

// Parse unmarshals a YAML workflow document, applies defaults, and
// validates it.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, &errors.ValidationError{
			Field:      "workflow",
			Message:    fmt.Sprintf("invalid YAML: %s", err.Error()),
			Suggestion: "check indentation and field names",
		}
	}
	wf.ApplyDefaults()
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Load reads and parses a workflow definition file.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	return wf, nil
}

// ApplyDefaults fills unset policy fields, recursing into iterators.
func (w *Workflow) ApplyDefaults() {
	if w.Checkpoints == "" {
		w.Checkpoints = CheckpointEveryStep
	}
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.Kind == KindMap {
			if step.MaxConcurrency <= 0 {
				step.MaxConcurrency = 1
			}
			if step.FailureMode == "" {
				step.FailureMode = FailFast
			}
			if step.Iterator != nil {
				// Sub-runs never checkpoint on their own.
				step.Iterator.Checkpoints = CheckpointDisabled
				step.Iterator.ApplyDefaults()
				step.Iterator.Checkpoints = CheckpointDisabled
			}
		}
		if step.OnError != nil && step.OnError.Action == ActionRetry && step.OnError.Retry == nil {
			step.OnError.Retry = &RetryPolicy{
				MaxAttempts: DefaultRetryMaxAttempts,
				BackoffBase: DefaultRetryBackoffBase,
				Multiplier:  DefaultRetryMultiplier,
			}
		}
	}
}

// Validate checks the whole definition: unique names, per-kind field
// groups, compilable conditions and items paths, and forward-only
// choice targets.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return &errors.ValidationError{
			Field:   "name",
			Message: "workflow name is required",
		}
	}
	if len(w.Steps) == 0 {
		return &errors.ValidationError{
			Field:   "steps",
			Message: "workflow must have at least one step",
		}
	}
	switch w.Checkpoints {
	case CheckpointEveryStep, CheckpointFlagged, CheckpointDisabled:
	default:
		return &errors.ValidationError{
			Field:      "checkpoints",
			Message:    fmt.Sprintf("unknown mode %q", w.Checkpoints),
			Suggestion: "use every_step, flagged, or disabled",
		}
	}

	index := make(map[string]int, len(w.Steps))
	for i := range w.Steps {
		name := w.Steps[i].Name
		if name == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: "step name is required",
			}
		}
		if _, dup := index[name]; dup {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: fmt.Sprintf("duplicate step name %q", name),
			}
		}
		index[name] = i
	}

	for i := range w.Steps {
		if err := w.validateStep(i, index); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) validateStep(i int, index map[string]int) error {
	step := &w.Steps[i]
	field := func(name string) string {
		return fmt.Sprintf("steps[%d](%s).%s", i, step.Name, name)
	}

	if step.Timeout < 0 {
		return &errors.ValidationError{
			Field:   field("timeout"),
			Message: "must not be negative",
		}
	}
	if step.OnError != nil {
		if err := step.OnError.Validate(); err != nil {
			return fmt.Errorf("%s: %w", field("on_error"), err)
		}
	}

	switch step.Kind {
	case KindLambda:
		if step.Handler == "" {
			return &errors.ValidationError{
				Field:   field("handler"),
				Message: "lambda step requires a handler name",
			}
		}

	case KindPipeline:
		if step.Pipeline == "" {
			return &errors.ValidationError{
				Field:   field("pipeline"),
				Message: "pipeline step requires a pipeline name",
			}
		}

	case KindChoice:
		if step.Condition == "" {
			return &errors.ValidationError{
				Field:   field("condition"),
				Message: "choice step requires a condition",
			}
		}
		if err := expression.Check(step.Condition); err != nil {
			return fmt.Errorf("%s: %w", field("condition"), err)
		}
		if step.Then == "" {
			return &errors.ValidationError{
				Field:   field("then"),
				Message: "choice step requires a then target",
			}
		}
		for _, target := range []string{step.Then, step.Else} {
			if target == "" {
				continue
			}
			j, ok := index[target]
			if !ok {
				return &errors.ValidationError{
					Field:   field("then"),
					Message: fmt.Sprintf("unknown target step %q", target),
				}
			}
			if j <= i {
				return &errors.ValidationError{
					Field:      field("then"),
					Message:    fmt.Sprintf("target %q must come after the choice", target),
					Suggestion: "choice jumps are forward-only; reorder the steps",
				}
			}
		}

	case KindWait:
		hasSeconds := step.Seconds > 0
		hasUntil := step.Until != ""
		if hasSeconds == hasUntil {
			return &errors.ValidationError{
				Field:   field("seconds"),
				Message: "wait step requires exactly one of seconds or until",
			}
		}
		if step.Seconds < 0 {
			return &errors.ValidationError{
				Field:   field("seconds"),
				Message: "must not be negative",
			}
		}
		if hasUntil {
			if _, err := time.Parse(time.RFC3339, step.Until); err != nil {
				return &errors.ValidationError{
					Field:      field("until"),
					Message:    fmt.Sprintf("invalid timestamp %q", step.Until),
					Suggestion: "use RFC 3339, e.g. 2026-01-02T15:04:05Z",
				}
			}
		}

	case KindMap:
		if step.ItemParam == "" {
			return &errors.ValidationError{
				Field:   field("item_param"),
				Message: "map step requires an item_param name",
			}
		}
		hasItems := step.Items != nil
		hasPath := step.ItemsPath != ""
		if hasItems == hasPath {
			return &errors.ValidationError{
				Field:   field("items"),
				Message: "map step requires exactly one of items or items_path",
			}
		}
		if hasPath {
			if err := jq.Check(step.ItemsPath); err != nil {
				return fmt.Errorf("%s: %w", field("items_path"), err)
			}
		}
		switch step.FailureMode {
		case FailFast, Partial:
		default:
			return &errors.ValidationError{
				Field:      field("failure_mode"),
				Message:    fmt.Sprintf("unknown mode %q", step.FailureMode),
				Suggestion: "use fail_fast or partial",
			}
		}
		if step.Iterator == nil {
			return &errors.ValidationError{
				Field:   field("iterator"),
				Message: "map step requires an iterator workflow",
			}
		}
		if err := step.Iterator.Validate(); err != nil {
			return fmt.Errorf("%s: %w", field("iterator"), err)
		}

	default:
		return &errors.ValidationError{
			Field:      field("kind"),
			Message:    fmt.Sprintf("unknown step kind %q", step.Kind),
			Suggestion: "use lambda, pipeline, choice, wait, or map",
		}
	}
	return nil
}

// StepIndex returns the position of a step by name.
func (w *Workflow) StepIndex(name string) (int, bool) {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return i, true
		}
	}
	return 0, false
}

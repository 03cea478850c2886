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

// Package group is the first orchestration layer: declarative pipeline
// groups with dependencies, resolved into deterministic execution
// plans and run sequentially or in parallel under a failure policy.
package group

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/marketspine/spine/pkg/errors"
)

// ExecutionMode selects how a group's plan is driven.
type ExecutionMode string

const (
	ExecutionSequential ExecutionMode = "sequential"
	ExecutionParallel   ExecutionMode = "parallel"
)

// FailurePolicy decides what a step failure does to the rest of the
// group.
type FailurePolicy string

const (
	OnFailureStop     FailurePolicy = "stop"
	OnFailureContinue FailurePolicy = "continue"
)

// Policy is the group-level execution policy.
type Policy struct {
	// Execution selects sequential or parallel driving. Defaults to
	// sequential.
	Execution ExecutionMode `yaml:"execution,omitempty" json:"execution,omitempty"`

	// MaxConcurrency bounds parallel mode. Defaults to 4.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`

	// OnFailure is stop or continue. Defaults to stop.
	OnFailure FailurePolicy `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	// TimeoutSeconds bounds the whole group run. Zero means no limit.
	TimeoutSeconds int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Step is one pipeline invocation inside a group.
type Step struct {
	// Name is unique within the group.
	Name string `yaml:"name" json:"name"`

	// Pipeline is the dotted registry name to run.
	Pipeline string `yaml:"pipeline" json:"pipeline"`

	// DependsOn lists step names that must complete first.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Params overlay the group defaults and run params for this step.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Group is a declarative set of steps over a shared parameter floor.
type Group struct {
	Name        string         `yaml:"name" json:"name"`
	Domain      string         `yaml:"domain,omitempty" json:"domain,omitempty"`
	Version     string         `yaml:"version,omitempty" json:"version,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Defaults    map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Steps       []Step         `yaml:"steps" json:"steps"`
	Policy      Policy         `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// Parse parses a group definition from YAML bytes, applies defaults,
// and validates the shape. Dependency and cycle validation happens at
// plan resolution.
func Parse(data []byte) (*Group, error) {
	var g Group
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse group definition: %w", err)
	}
	g.applyDefaults()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Load reads and parses a group definition file.
func Load(path string) (*Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read group definition: %w", err)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

func (g *Group) applyDefaults() {
	if g.Policy.Execution == "" {
		g.Policy.Execution = ExecutionSequential
	}
	if g.Policy.MaxConcurrency <= 0 {
		g.Policy.MaxConcurrency = 4
	}
	if g.Policy.OnFailure == "" {
		g.Policy.OnFailure = OnFailureStop
	}
}

// Validate checks the structural shape: name present, steps present
// and well-formed, policy values known.
func (g *Group) Validate() error {
	if g.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "group name is required"}
	}
	if len(g.Steps) == 0 {
		return &errors.ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("group %q has no steps", g.Name),
		}
	}
	for i, step := range g.Steps {
		if step.Name == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: "step name is required",
			}
		}
		if step.Pipeline == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].pipeline", i),
				Message: fmt.Sprintf("step %q has no pipeline", step.Name),
			}
		}
	}
	switch g.Policy.Execution {
	case ExecutionSequential, ExecutionParallel:
	default:
		return &errors.ValidationError{
			Field:      "policy.execution",
			Message:    fmt.Sprintf("unknown execution mode %q", g.Policy.Execution),
			Suggestion: "use sequential or parallel",
		}
	}
	switch g.Policy.OnFailure {
	case OnFailureStop, OnFailureContinue:
	default:
		return &errors.ValidationError{
			Field:      "policy.on_failure",
			Message:    fmt.Sprintf("unknown failure policy %q", g.Policy.OnFailure),
			Suggestion: "use stop or continue",
		}
	}
	return nil
}

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
	"fmt"
	"sort"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/pipeline"
	"github.com/marketspine/spine/pkg/registry"
)

// PlannedStep is one step of an execution plan with its merged params
// and topological position.
type PlannedStep struct {
	Name          string
	Pipeline      string
	DependsOn     []string
	Params        pipeline.Params
	SequenceOrder int
}

// Plan is a validated, topologically ordered rendering of a group.
type Plan struct {
	BatchID      string
	GroupName    string
	GroupVersion string
	Steps        []PlannedStep
	Policy       Policy
}

// Step returns the planned step by name, or nil.
func (p *Plan) Step(name string) *PlannedStep {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

// Resolver turns groups into plans. With a registry attached it also
// verifies each step's pipeline is registered.
type Resolver struct {
	registry      *registry.Registry
	checkRegistry bool
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRegistryCheck makes the resolver verify every step pipeline
// exists in reg.
func WithRegistryCheck(reg *registry.Registry) ResolverOption {
	return func(r *Resolver) {
		r.registry = reg
		r.checkRegistry = true
	}
}

// NewResolver builds a Resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve validates the group, detects cycles, orders the steps
// topologically (ties broken by name so plans are deterministic),
// merges params (defaults < runParams < step params), and stamps a
// fresh batch id.
func (r *Resolver) Resolve(g *Group, runParams pipeline.Params) (*Plan, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	steps := make(map[string]*Step, len(g.Steps))
	for i := range g.Steps {
		step := &g.Steps[i]
		if _, dup := steps[step.Name]; dup {
			return nil, &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step name %q in group %q", step.Name, g.Name),
			}
		}
		steps[step.Name] = step
	}

	for _, step := range g.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := steps[dep]; !ok {
				return nil, &errors.DependencyError{Step: step.Name, Missing: dep}
			}
		}
		if r.checkRegistry {
			if _, err := r.registry.Get(step.Pipeline); err != nil {
				return nil, fmt.Errorf("step %q: %w", step.Name, err)
			}
		}
	}

	if err := detectCycle(g); err != nil {
		return nil, err
	}

	order, err := topoSort(g)
	if err != nil {
		return nil, err
	}

	defaults := pipeline.Params(g.Defaults)
	planned := make([]PlannedStep, 0, len(order))
	for i, name := range order {
		step := steps[name]
		planned = append(planned, PlannedStep{
			Name:          step.Name,
			Pipeline:      step.Pipeline,
			DependsOn:     append([]string(nil), step.DependsOn...),
			Params:        defaults.Merge(runParams, pipeline.Params(step.Params)),
			SequenceOrder: i,
		})
	}

	return &Plan{
		BatchID:      execution.NewBatchID("group_" + g.Name),
		GroupName:    g.Name,
		GroupVersion: g.Version,
		Steps:        planned,
		Policy:       g.Policy,
	}, nil
}

// DFS colors.
const (
	white = iota // unvisited
	gray         // on the current path
	black        // finished
)

// detectCycle runs a three-color depth-first search. Re-entering a
// gray node means the current path loops; the path from that node to
// the re-entry is reported.
func detectCycle(g *Group) error {
	adj := make(map[string][]string, len(g.Steps))
	for _, step := range g.Steps {
		adj[step.Name] = step.DependsOn
	}

	color := make(map[string]int, len(g.Steps))
	var path []string

	var visit func(name string) *errors.CycleError
	visit = func(name string) *errors.CycleError {
		color[name] = gray
		path = append(path, name)

		for _, dep := range adj[name] {
			switch color[dep] {
			case gray:
				// Slice the current path from the repeated node and
				// close the loop for readability.
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), dep)
				return &errors.CycleError{Group: g.Name, Path: cycle}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		return nil
	}

	// Deterministic traversal order keeps the reported cycle stable.
	names := make([]string, 0, len(g.Steps))
	for _, step := range g.Steps {
		names = append(names, step.Name)
	}
	sort.Strings(names)

	for _, name := range names {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoSort runs Kahn's algorithm over the dependency DAG. The ready
// set is kept sorted so equal-depth steps always plan in name order.
func topoSort(g *Group) ([]string, error) {
	indegree := make(map[string]int, len(g.Steps))
	dependents := make(map[string][]string, len(g.Steps))
	for _, step := range g.Steps {
		indegree[step.Name] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.Name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		var unlocked []string
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.Steps) {
		// Unreachable after detectCycle, kept as a guard.
		return nil, &errors.CycleError{Group: g.Name}
	}
	return order, nil
}

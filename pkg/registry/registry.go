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

// Package registry maps dotted pipeline names to factories and hosts
// the per-domain period and source sub-registries. Registries are
// populated by explicit domain Register calls at startup; there is no
// auto-discovery.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/period"
	"github.com/marketspine/spine/pkg/pipeline"
	"github.com/marketspine/spine/pkg/source"
)

// Registry is a thread-safe mapping from dotted pipeline names
// (e.g., "finra.otc_transparency.ingest_week") to factories, plus the
// isolated per-domain sub-registries.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]pipeline.Factory
	domains   map[string]*DomainRegistries
}

// New constructs an empty registry. Construct one per process and pass
// it to the dispatcher and plan resolver; nothing here is implicit
// global state.
func New() *Registry {
	return &Registry{
		factories: make(map[string]pipeline.Factory),
		domains:   make(map[string]*DomainRegistries),
	}
}

// Register adds a pipeline factory under name.
func (r *Registry) Register(name string, factory pipeline.Factory) error {
	if err := validateName(name); err != nil {
		return err
	}
	if factory == nil {
		return &errors.ValidationError{
			Field:   "factory",
			Message: "factory must not be nil",
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return &errors.DuplicateRegistrationError{Kind: "pipeline", Name: name}
	}
	r.factories[name] = factory
	return nil
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (pipeline.Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "pipeline", ID: name}
	}
	return factory, nil
}

// List returns all registered names in deterministic (sorted) order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListByDomain returns registered names under the given domain prefix,
// sorted. The prefix matches whole dotted segments: "finra" matches
// "finra.x" but not "finramax.y".
func (r *Registry) ListByDomain(domain string) []string {
	prefix := domain + "."
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name := range r.factories {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Domain returns the sub-registries for a domain, creating them on
// first use. Each domain's tables are isolated; registering into one
// domain never mutates another.
func (r *Registry) Domain(name string) *DomainRegistries {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.domains[name]
	if !ok {
		d = &DomainRegistries{
			Periods: NewTable[period.Strategy]("period"),
			Sources: NewTable[source.Fetcher]("source"),
		}
		r.domains[name] = d
	}
	return d
}

// DomainRegistries bundles the per-domain tables. Promoting these to
// process scope is rejected on purpose: cross-domain isolation is an
// architectural invariant.
type DomainRegistries struct {
	Periods *Table[period.Strategy]
	Sources *Table[source.Fetcher]
}

func validateName(name string) error {
	if name == "" {
		return &errors.ValidationError{
			Field:   "name",
			Message: "pipeline name must not be empty",
		}
	}
	if strings.ContainsAny(name, " \t\n") {
		return &errors.ValidationError{
			Field:   "name",
			Message: "pipeline name must not contain whitespace",
		}
	}
	for _, segment := range strings.Split(name, ".") {
		if segment == "" {
			return &errors.ValidationError{
				Field:      "name",
				Message:    "pipeline name has an empty dotted segment",
				Suggestion: "Use names like domain.area.pipeline",
			}
		}
	}
	return nil
}

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

package registry

import (
	"sort"
	"sync"

	"github.com/marketspine/spine/pkg/errors"
)

// Table is a thread-safe named-registration table. The pipeline
// registry, period registries, and source registries all follow this
// one pattern.
type Table[T any] struct {
	kind    string
	mu      sync.RWMutex
	entries map[string]T
}

// NewTable constructs an empty table. Kind names the registration type
// in error messages ("period", "source").
func NewTable[T any](kind string) *Table[T] {
	return &Table[T]{
		kind:    kind,
		entries: make(map[string]T),
	}
}

// Register adds value under name, rejecting duplicates.
func (t *Table[T]) Register(name string, value T) error {
	if name == "" {
		return &errors.ValidationError{
			Field:   "name",
			Message: t.kind + " name must not be empty",
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[name]; exists {
		return &errors.DuplicateRegistrationError{Kind: t.kind, Name: name}
	}
	t.entries[name] = value
	return nil
}

// Get returns the value registered under name.
func (t *Table[T]) Get(name string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	value, ok := t.entries[name]
	if !ok {
		var zero T
		return zero, &errors.NotFoundError{Resource: t.kind, ID: name}
	}
	return value, nil
}

// Names returns registered names in deterministic (sorted) order.
func (t *Table[T]) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registrations.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

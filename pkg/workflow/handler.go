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
	"context"

	"github.com/marketspine/spine/pkg/registry"
)

// Handler is the lambda step body: it receives the current context
// and the step config, and returns what to publish. Handlers must be
// idempotent and should honor ctx.DryRun().
type Handler func(ctx context.Context, run WorkflowContext, config map[string]any) (StepResult, error)

// Handlers is the named handler table lambda steps resolve against.
type Handlers struct {
	table *registry.Table[Handler]
}

// NewHandlers returns an empty handler table.
func NewHandlers() *Handlers {
	return &Handlers{table: registry.NewTable[Handler]("handler")}
}

// Register adds a handler under name, rejecting duplicates.
func (h *Handlers) Register(name string, fn Handler) error {
	return h.table.Register(name, fn)
}

// Get returns the handler registered under name.
func (h *Handlers) Get(name string) (Handler, error) {
	return h.table.Get(name)
}

// Names returns registered handler names, sorted.
func (h *Handlers) Names() []string {
	return h.table.Names()
}

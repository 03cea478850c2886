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

// Package expression evaluates choice conditions against a workflow
// context document. Conditions are boolean expr programs over the
// flattened context: params, outputs, partition, and the run scalars.
//
//	params.tier == "T1" && outputs.ingest.row_count > 0
//	has(params.weeks, "2026-01-02")
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/marketspine/spine/pkg/errors"
)

// Evaluator compiles and runs condition expressions, caching compiled
// programs. Safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New returns an empty evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs condition against the document. Conditions must be
// pure and must produce a boolean; an empty condition is true.
func (e *Evaluator) Evaluate(condition string, doc map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, compileError(err)
	}

	env := make(map[string]any, len(doc)+len(helperFuncs))
	for k, v := range doc {
		env[k] = v
	}
	for name, fn := range helperFuncs {
		env[name] = fn
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("evaluation failed: %s", err.Error()),
			Suggestion: "reference only fields present in the context document",
		}
	}

	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("condition must produce a boolean, got %T", result),
			Suggestion: "use comparison or boolean operators",
		}
	}
	return b, nil
}

// Check compiles condition without running it, for definition
// validation.
func Check(condition string) error {
	if condition == "" {
		return nil
	}
	if _, err := compileProgram(condition); err != nil {
		return compileError(err)
	}
	return nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func (e *Evaluator) compile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := compileProgram(condition)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[condition] = program
	e.mu.Unlock()
	return program, nil
}

func compileProgram(condition string) (*vm.Program, error) {
	env := make(map[string]any, len(helperFuncs))
	for name, fn := range helperFuncs {
		env[name] = fn
	}
	// The document shape is only known at run time, so undefined
	// variables stay legal at compile time.
	return expr.Compile(condition,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
}

func compileError(err error) error {
	return &errors.ValidationError{
		Field:      "condition",
		Message:    fmt.Sprintf("invalid expression: %s", err.Error()),
		Suggestion: "check the expression syntax",
	}
}

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

// Package jq runs jq programs against context documents, bounded by a
// timeout and an input-size cap. Map steps use it to resolve items
// paths; quality rules use it to probe payloads.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/marketspine/spine/pkg/errors"
)

const (
	// DefaultTimeout bounds one program execution.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputBytes caps the JSON size of the input document.
	DefaultMaxInputBytes = 10 * 1024 * 1024
)

// Executor runs jq programs with limits applied. The zero limits fall
// back to the defaults. Safe for concurrent use.
type Executor struct {
	timeout       time.Duration
	maxInputBytes int64
}

// New builds an executor. Zero arguments select the defaults.
func New(timeout time.Duration, maxInputBytes int64) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxInputBytes <= 0 {
		maxInputBytes = DefaultMaxInputBytes
	}
	return &Executor{timeout: timeout, maxInputBytes: maxInputBytes}
}

// Run executes program against input. Zero results yield nil, one
// result yields the value, several yield a slice. An empty program
// returns the input unchanged.
//
// The input passes through a JSON round-trip, which both enforces the
// size cap and normalizes Go values into the shapes gojq accepts.
func (e *Executor) Run(ctx context.Context, program string, input any) (any, error) {
	if program == "" {
		return input, nil
	}
	doc, err := e.normalize(input)
	if err != nil {
		return nil, err
	}

	code, err := compile(program)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var results []any
	iter := code.RunWithContext(runCtx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if runCtx.Err() != nil {
				return nil, &errors.TimeoutError{
					Operation: "jq program",
					Duration:  e.timeout,
					Cause:     err,
				}
			}
			return nil, fmt.Errorf("jq program failed: %w", err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Check compiles program without running it, for definition
// validation.
func Check(program string) error {
	if program == "" {
		return nil
	}
	_, err := compile(program)
	return err
}

func compile(program string) (*gojq.Code, error) {
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "jq",
			Message:    fmt.Sprintf("invalid program: %s", err.Error()),
			Suggestion: "check the jq syntax",
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "jq",
			Message: fmt.Sprintf("program does not compile: %s", err.Error()),
		}
	}
	return code, nil
}

func (e *Executor) normalize(input any) (any, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal jq input: %w", err)
	}
	if int64(len(data)) > e.maxInputBytes {
		return nil, &errors.ValidationError{
			Field:   "jq",
			Message: fmt.Sprintf("input is %d bytes, cap is %d", len(data), e.maxInputBytes),
		}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("normalize jq input: %w", err)
	}
	return doc, nil
}

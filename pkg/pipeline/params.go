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

package pipeline

import (
	"fmt"
)

// Well-known parameter keys the core reads. Everything else in Params
// is opaque to the core and passed through to the pipeline.
const (
	KeyWeekEnding       = "week_ending"
	KeyTier             = "tier"
	KeyYear             = "year"
	KeyExchangeCode     = "exchange_code"
	KeyFilePath         = "file_path"
	KeyForce            = "force"
	KeySkipRolling      = "skip_rolling"
	KeySkipReason       = "skip_reason"
	KeyCurrentWeek      = "current_week"
	KeyCurrentPartition = "current_partition"
	KeyProcessedWeeks   = "processed_weeks"

	// KeyStepOutputs carries prior step outputs into context-aware
	// pipelines dispatched from a workflow.
	KeyStepOutputs = "__step_outputs"

	// KeySourceContent, KeyContentHash, and KeyCaptureID are set by the
	// scheduler when it has already fetched source bytes, so ingest
	// pipelines reuse the fetched content instead of fetching again.
	KeySourceContent = "__source_content"
	KeyContentHash   = "__content_hash"
	KeyCaptureID     = "__capture_id"

	// KeyDryRun is set on params when the run must not produce side
	// effects.
	KeyDryRun = "__dry_run__"
)

// ErrKeyNotFound represents an error when a required key is missing.
type ErrKeyNotFound struct {
	Key string
}

// Error implements the error interface.
func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key %q not found", e.Key)
}

// ErrTypeAssertion represents an error when a value cannot be asserted
// to the expected type. The actual value is never included in the
// message to prevent credential leakage.
type ErrTypeAssertion struct {
	Key  string
	Got  string
	Want string
}

// Error implements the error interface.
func (e ErrTypeAssertion) Error() string {
	return fmt.Sprintf("key %q is %s, not %s", e.Key, e.Got, e.Want)
}

// Params carries the run-time parameters a pipeline receives. Values
// round-trip through JSON and YAML, so numbers may arrive as float64.
type Params map[string]any

// GetString retrieves a string value.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (p Params) GetString(key string) (string, error) {
	val, ok := p[key]
	if !ok {
		return "", ErrKeyNotFound{Key: key}
	}
	str, ok := val.(string)
	if !ok {
		return "", ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "string"}
	}
	return str, nil
}

// GetStringOr returns a string value or the default if key is missing
// or the wrong type. Never panics.
func (p Params) GetStringOr(key string, defaultVal string) string {
	str, err := p.GetString(key)
	if err != nil {
		return defaultVal
	}
	return str
}

// GetInt64 retrieves an int64 value, accepting the integer shapes JSON
// and YAML unmarshaling produce.
func (p Params) GetInt64(key string) (int64, error) {
	val, ok := p[key]
	if !ok {
		return 0, ErrKeyNotFound{Key: key}
	}
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		// JSON numbers unmarshal as float64
		return int64(v), nil
	default:
		return 0, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "int64"}
	}
}

// GetInt64Or returns an int64 value or the default if key is missing or
// the wrong type. Never panics.
func (p Params) GetInt64Or(key string, defaultVal int64) int64 {
	i, err := p.GetInt64(key)
	if err != nil {
		return defaultVal
	}
	return i
}

// GetBool retrieves a bool value.
func (p Params) GetBool(key string) (bool, error) {
	val, ok := p[key]
	if !ok {
		return false, ErrKeyNotFound{Key: key}
	}
	b, ok := val.(bool)
	if !ok {
		return false, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "bool"}
	}
	return b, nil
}

// GetBoolOr returns a bool value or the default if key is missing or
// the wrong type. Never panics.
func (p Params) GetBoolOr(key string, defaultVal bool) bool {
	b, err := p.GetBool(key)
	if err != nil {
		return defaultVal
	}
	return b
}

// GetSlice retrieves a slice value.
func (p Params) GetSlice(key string) ([]any, error) {
	val, ok := p[key]
	if !ok {
		return nil, ErrKeyNotFound{Key: key}
	}
	s, ok := val.([]any)
	if !ok {
		return nil, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "[]any"}
	}
	return s, nil
}

// GetStringSlice retrieves a slice value whose elements are strings.
func (p Params) GetStringSlice(key string) ([]string, error) {
	raw, err := p.GetSlice(key)
	if err != nil {
		// A []string stored directly also satisfies the caller.
		if val, ok := p[key].([]string); ok {
			return val, nil
		}
		return nil, err
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", v), Want: "string"}
		}
		out[i] = s
	}
	return out, nil
}

// GetMap retrieves a nested map value.
func (p Params) GetMap(key string) (map[string]any, error) {
	val, ok := p[key]
	if !ok {
		return nil, ErrKeyNotFound{Key: key}
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "map[string]any"}
	}
	return m, nil
}

// Clone returns a shallow copy. Nested maps and slices are shared;
// callers that mutate nested values must deep-copy first.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a new Params with the receiver as the base and each
// overlay applied in order; later overlays win ties. The receiver is
// not modified.
func (p Params) Merge(overlays ...Params) Params {
	out := p.Clone()
	for _, overlay := range overlays {
		for k, v := range overlay {
			out[k] = v
		}
	}
	return out
}

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

// Package partition defines the unit of work: partition keys with a
// bit-exact canonical form, capture ids, and the content hash used for
// revision detection.
package partition

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/marketspine/spine/pkg/errors"
)

// Common dimension names. Domains may add their own; the core treats
// dimensions as opaque strings.
const (
	DimWeekEnding = "week_ending"
	DimTier       = "tier"
	DimYear       = "year"
	DimVenue      = "venue"
	DimSymbol     = "symbol"
)

// Key maps dimension names to values and uniquely identifies the unit
// of work within a (domain, pipeline) namespace. Order-independent;
// equality is on the canonical form.
type Key map[string]string

// Canonical serializes the key as JSON with lexicographically sorted
// keys and no whitespace. This form is stored in the database and used
// for equality, so it must never change shape.
func (k Key) Canonical() string {
	if len(k) == 0 {
		return "{}"
	}
	// encoding/json sorts map keys and emits no whitespace, which is
	// exactly the canonical contract.
	b, err := json.Marshal(map[string]string(k))
	if err != nil {
		// A map[string]string cannot fail to marshal.
		panic(fmt.Sprintf("partition key marshal: %v", err))
	}
	return string(b)
}

// String implements fmt.Stringer using the canonical form.
func (k Key) String() string {
	return k.Canonical()
}

// Equal reports whether two keys canonicalize identically.
func (k Key) Equal(other Key) bool {
	return k.Canonical() == other.Canonical()
}

// Dimensions returns the sorted dimension names.
func (k Key) Dimensions() []string {
	dims := make([]string, 0, len(k))
	for d := range k {
		dims = append(dims, d)
	}
	sort.Strings(dims)
	return dims
}

// Clone returns an independent copy.
func (k Key) Clone() Key {
	out := make(Key, len(k))
	for d, v := range k {
		out[d] = v
	}
	return out
}

// Validate rejects empty keys and empty dimension names or values.
func (k Key) Validate() error {
	if len(k) == 0 {
		return &errors.ValidationError{
			Field:   "partition_key",
			Message: "at least one dimension is required",
		}
	}
	for d, v := range k {
		if d == "" {
			return &errors.ValidationError{
				Field:   "partition_key",
				Message: "dimension name must not be empty",
			}
		}
		if v == "" {
			return &errors.ValidationError{
				Field:   "partition_key",
				Message: fmt.Sprintf("dimension %s has an empty value", d),
			}
		}
	}
	return nil
}

// ParseKey parses a canonical JSON form back into a Key.
func ParseKey(canonical string) (Key, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(canonical), &m); err != nil {
		return nil, &errors.ValidationError{
			Field:   "partition_key",
			Message: fmt.Sprintf("not canonical JSON: %v", err),
		}
	}
	return Key(m), nil
}

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

package expression

import (
	"fmt"
	"reflect"
	"strings"
)

// helperFuncs are merged into every evaluation environment.
// "contains" is a reserved string operator in expr, so membership
// tests go through "has".
var helperFuncs = map[string]any{
	"has":    hasFunc,
	"length": lengthFunc,
}

// hasFunc reports membership: element in a slice, key in a map, or
// substring in a string. A nil collection contains nothing.
func hasFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires 2 arguments, got %d", len(args))
	}
	collection, target := args[0], args[1]
	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		kv := reflect.ValueOf(target)
		if !kv.IsValid() || !kv.Type().AssignableTo(v.Type().Key()) {
			return false, nil
		}
		return v.MapIndex(kv).IsValid(), nil
	case reflect.String:
		s, _ := collection.(string)
		sub, ok := target.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(s, sub), nil
	default:
		return false, nil
	}
}

// lengthFunc returns the length of a slice, map, or string; nil has
// length 0.
func lengthFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}

	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", args[0])
	}
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_GetString(t *testing.T) {
	p := Params{"tier": "NMS_TIER_1", "count": 3}

	got, err := p.GetString("tier")
	require.NoError(t, err)
	assert.Equal(t, "NMS_TIER_1", got)

	_, err = p.GetString("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound{Key: "missing"})

	_, err = p.GetString("count")
	var typeErr ErrTypeAssertion
	assert.ErrorAs(t, err, &typeErr)
}

func TestParams_GetInt64_JSONNumbers(t *testing.T) {
	// JSON unmarshaling produces float64; YAML produces int.
	p := Params{"from_json": float64(42), "from_yaml": 7, "native": int64(9)}

	for key, want := range map[string]int64{"from_json": 42, "from_yaml": 7, "native": 9} {
		got, err := p.GetInt64(key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}
}

func TestParams_GetBoolOr(t *testing.T) {
	p := Params{"force": true}

	assert.True(t, p.GetBoolOr("force", false))
	assert.False(t, p.GetBoolOr("missing", false))
	assert.True(t, p.GetBoolOr("missing", true))
}

func TestParams_GetStringSlice(t *testing.T) {
	p := Params{
		"from_json": []any{"T1", "T2"},
		"native":    []string{"a", "b"},
		"mixed":     []any{"T1", 2},
	}

	got, err := p.GetStringSlice("from_json")
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, got)

	got, err = p.GetStringSlice("native")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	_, err = p.GetStringSlice("mixed")
	assert.Error(t, err)
}

func TestParams_Merge_Precedence(t *testing.T) {
	defaults := Params{"tier": "T1", "force": false}
	runParams := Params{"force": true}
	stepParams := Params{"tier": "T2"}

	merged := defaults.Merge(runParams, stepParams)

	// Step override wins for tier; run override wins for force.
	assert.Equal(t, "T2", merged["tier"])
	assert.Equal(t, true, merged["force"])

	// Sources untouched.
	assert.Equal(t, "T1", defaults["tier"])
	assert.Equal(t, false, defaults["force"])
}

func TestParams_Clone_Independent(t *testing.T) {
	p := Params{"week_ending": "2025-12-26"}
	c := p.Clone()
	c["week_ending"] = "2026-01-02"

	assert.Equal(t, "2025-12-26", p["week_ending"])
}

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

package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCaptureID_Format(t *testing.T) {
	key := Key{"week_ending": "2025-12-26", "tier": "T1"}
	day := time.Date(2025, 12, 29, 14, 30, 0, 0, time.UTC)

	got := NewCaptureID("finra", key, day)
	assert.Equal(t, CaptureID(`finra:{"tier":"T1","week_ending":"2025-12-26"}:20251229`), got)
}

func TestNewCaptureID_Deterministic(t *testing.T) {
	key := Key{"tier": "T1", "week_ending": "2025-12-26"}
	day := time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC)

	// Same partition + same day = same id regardless of map ordering
	// or time-of-day.
	later := day.Add(23 * time.Hour)
	assert.Equal(t, NewCaptureID("finra", key, day), NewCaptureID("finra", key, later))
}

func TestNewCaptureID_NewDayNewID(t *testing.T) {
	key := Key{"week_ending": "2025-12-26", "tier": "T1"}
	mon := time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC)
	tue := mon.AddDate(0, 0, 1)

	assert.NotEqual(t, NewCaptureID("finra", key, mon), NewCaptureID("finra", key, tue))
}

func TestCaptureID_Components(t *testing.T) {
	key := Key{"week_ending": "2025-12-26", "tier": "T1"}
	day := time.Date(2025, 12, 29, 9, 0, 0, 0, time.UTC)
	id := NewCaptureID("finra", key, day)

	assert.Equal(t, "finra", id.Domain())

	canonical, err := id.PartitionCanonical()
	require.NoError(t, err)
	assert.Equal(t, key.Canonical(), canonical)

	parsedDay, err := id.Day()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC), parsedDay)

	require.NoError(t, id.Validate())
}

func TestCaptureID_Validate_Malformed(t *testing.T) {
	tests := []struct {
		name string
		id   CaptureID
	}{
		{name: "empty", id: CaptureID("")},
		{name: "no separators", id: CaptureID("finra")},
		{name: "bad day", id: CaptureID(`finra:{"tier":"T1"}:tomorrow`)},
		{name: "bad partition", id: CaptureID(`finra:not-json:20251229`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.id.Validate())
		})
	}
}

func TestContentHash(t *testing.T) {
	// sha256("hello") = 2cf24dba5fb0a30e...; the stored form is the
	// first 16 hex chars.
	assert.Equal(t, "2cf24dba5fb0a30e", ContentHash([]byte("hello")))
	assert.Len(t, ContentHash([]byte("anything at all")), 16)

	// Stable across calls, different for different content.
	assert.Equal(t, ContentHash([]byte("a")), ContentHash([]byte("a")))
	assert.NotEqual(t, ContentHash([]byte("a")), ContentHash([]byte("b")))
}

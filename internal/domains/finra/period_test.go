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

package finra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/pkg/period"
)

func TestWeekly_DerivePeriodEnd(t *testing.T) {
	weekly := Weekly()
	tests := []struct {
		publish time.Time
		want    string
	}{
		{time.Date(2025, 8, 25, 9, 30, 0, 0, time.UTC), "2025-08-22"},  // Monday
		{time.Date(2025, 8, 22, 23, 59, 0, 0, time.UTC), "2025-08-22"}, // Friday itself
		{time.Date(2025, 8, 23, 0, 0, 0, 0, time.UTC), "2025-08-22"},   // Saturday
		{time.Date(2025, 8, 21, 12, 0, 0, 0, time.UTC), "2025-08-15"},  // Thursday
		{time.Date(2025, 8, 29, 0, 0, 0, 0, time.UTC), "2025-08-29"},
	}
	for _, tt := range tests {
		got := weekly.DerivePeriodEnd(tt.publish)
		assert.Equal(t, tt.want, got.Format(dayLayout), "publish %s", tt.publish)
		assert.Equal(t, time.Friday, got.Weekday())
	}
}

func TestWeekly_ValidateDate(t *testing.T) {
	weekly := Weekly()
	require.NoError(t, weekly.ValidateDate(time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC)))

	err := weekly.ValidateDate(time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a Friday")
}

func TestWeekly_Formats(t *testing.T) {
	weekly := Weekly()
	d := time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-08-22", weekly.FormatForFilename(d))
	assert.Equal(t, "Aug 22, 2025", weekly.FormatForDisplay(d))
}

func TestWeekly_LastN(t *testing.T) {
	weeks := period.LastN(Weekly(), testNow, 3, WeekStep)
	require.Len(t, weeks, 3)
	assert.Equal(t, "2025-08-08", weeks[0].Format(dayLayout))
	assert.Equal(t, "2025-08-15", weeks[1].Format(dayLayout))
	assert.Equal(t, "2025-08-22", weeks[2].Format(dayLayout))
}

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

package period

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// weeklyStub ends periods on Fridays, truncated to midnight UTC.
type weeklyStub struct{}

func (weeklyStub) DerivePeriodEnd(publish time.Time) time.Time {
	d := publish
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, -1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func (weeklyStub) ValidateDate(d time.Time) error {
	if d.Weekday() != time.Friday {
		return fmt.Errorf("%s is not a Friday", d.Format("2006-01-02"))
	}
	return nil
}

func (weeklyStub) FormatForFilename(d time.Time) string { return d.Format("20060102") }
func (weeklyStub) FormatForDisplay(d time.Time) string  { return d.Format("2006-01-02") }

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestLastN_WalksBackwardsOldestFirst(t *testing.T) {
	// Wednesday; the most recent Friday is the 15th.
	asOf := time.Date(2025, 8, 20, 9, 30, 0, 0, time.UTC)

	got := LastN(weeklyStub{}, asOf, 4, 7*24*time.Hour)

	require.Len(t, got, 4)
	assert.Equal(t, []time.Time{
		date(2025, 7, 25),
		date(2025, 8, 1),
		date(2025, 8, 8),
		date(2025, 8, 15),
	}, got)
}

func TestLastN_AsOfOnPeriodEnd(t *testing.T) {
	// A Friday counts as its own period end, whatever the hour.
	asOf := time.Date(2025, 8, 22, 16, 45, 0, 0, time.UTC)

	got := LastN(weeklyStub{}, asOf, 2, 7*24*time.Hour)

	require.Len(t, got, 2)
	assert.Equal(t, date(2025, 8, 15), got[0])
	assert.Equal(t, date(2025, 8, 22), got[1])
}

func TestLastN_SinglePeriod(t *testing.T) {
	got := LastN(weeklyStub{}, date(2025, 8, 20), 1, 7*24*time.Hour)

	require.Len(t, got, 1)
	assert.Equal(t, date(2025, 8, 15), got[0])
}

func TestLastN_NonPositiveCount(t *testing.T) {
	assert.Nil(t, LastN(weeklyStub{}, date(2025, 8, 20), 0, 7*24*time.Hour))
	assert.Nil(t, LastN(weeklyStub{}, date(2025, 8, 20), -3, 7*24*time.Hour))
}

func TestLastN_ShortStepStillAdvances(t *testing.T) {
	// A step smaller than the period is safe as long as it crosses
	// the previous period end.
	got := LastN(weeklyStub{}, date(2025, 8, 20), 3, 6*24*time.Hour)

	require.Len(t, got, 3)
	assert.Equal(t, []time.Time{
		date(2025, 8, 1),
		date(2025, 8, 8),
		date(2025, 8, 15),
	}, got)
}

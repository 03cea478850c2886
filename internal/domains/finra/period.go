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
	"fmt"
	"time"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/period"
)

// dayLayout is the week_ending dimension format. Weekly file stems on
// disk carry the same form.
const dayLayout = "2006-01-02"

// WeekStep is the distance between consecutive FINRA period ends.
const WeekStep = 7 * 24 * time.Hour

// Weekly returns the FINRA period strategy: weeks end on Friday, and a
// publication covers the most recent Friday at or before its date.
func Weekly() period.Strategy {
	return weeklyFriday{}
}

type weeklyFriday struct{}

func (weeklyFriday) DerivePeriodEnd(publish time.Time) time.Time {
	d := publish.UTC()
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	back := (int(d.Weekday()) - int(time.Friday) + 7) % 7
	return d.AddDate(0, 0, -back)
}

func (weeklyFriday) ValidateDate(d time.Time) error {
	if d.Weekday() != time.Friday {
		return &errors.ValidationError{
			Field:      "week_ending",
			Message:    fmt.Sprintf("%s is a %s, not a Friday", d.Format(dayLayout), d.Weekday()),
			Suggestion: "FINRA weeks end on Friday",
		}
	}
	return nil
}

func (weeklyFriday) FormatForFilename(d time.Time) string {
	return d.Format(dayLayout)
}

func (weeklyFriday) FormatForDisplay(d time.Time) string {
	return d.Format("Jan 2, 2006")
}

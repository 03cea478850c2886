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

// Package period defines the temporal semantics a domain registers for
// its data: how a period end derives from a publication date and how
// period dates are validated and formatted.
package period

import (
	"time"
)

// Strategy captures a domain's period semantics. Implementations must
// be pure; the scheduler calls them repeatedly while selecting targets.
type Strategy interface {
	// DerivePeriodEnd maps a publication date to the period-end date
	// the published data covers.
	DerivePeriodEnd(publish time.Time) time.Time

	// ValidateDate reports whether d is a legal period end.
	ValidateDate(d time.Time) error

	// FormatForFilename renders d for use in file names (compact).
	FormatForFilename(d time.Time) string

	// FormatForDisplay renders d for human-readable output.
	FormatForDisplay(d time.Time) string
}

// LastN returns the n most recent period ends at or before asOf,
// oldest first. Step walks backwards one period at a time using the
// strategy's own derivation, so irregular calendars stay correct as
// long as DerivePeriodEnd is consistent.
func LastN(s Strategy, asOf time.Time, n int, step time.Duration) []time.Time {
	if n <= 0 {
		return nil
	}
	ends := make([]time.Time, 0, n)
	cursor := s.DerivePeriodEnd(asOf)
	for len(ends) < n {
		ends = append(ends, cursor)
		cursor = s.DerivePeriodEnd(cursor.Add(-step))
	}
	// Reverse into chronological order.
	for i, j := 0, len(ends)-1; i < j; i, j = i+1, j-1 {
		ends[i], ends[j] = ends[j], ends[i]
	}
	return ends
}

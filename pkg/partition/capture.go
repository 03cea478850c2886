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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/marketspine/spine/pkg/errors"
)

// captureDayLayout is the calendar-day component of a capture id.
const captureDayLayout = "20060102"

// CaptureID identifies a physical snapshot of a partition taken on a
// specific calendar day: {domain}:{canonical-partition}:{YYYYMMDD}.
// Same content + same partition + same day produce the same id, which
// is the idempotency knob for replays.
type CaptureID string

// NewCaptureID builds the capture id for a partition captured on the
// given day (UTC calendar date).
func NewCaptureID(domain string, key Key, day time.Time) CaptureID {
	return CaptureID(domain + ":" + key.Canonical() + ":" + day.UTC().Format(captureDayLayout))
}

// String implements fmt.Stringer.
func (c CaptureID) String() string {
	return string(c)
}

// Domain returns the domain component.
func (c CaptureID) Domain() string {
	s := string(c)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return ""
}

// Day returns the capture calendar day.
func (c CaptureID) Day() (time.Time, error) {
	s := string(c)
	i := strings.LastIndexByte(s, ':')
	if i < 0 || i == len(s)-1 {
		return time.Time{}, &errors.ValidationError{
			Field:   "capture_id",
			Message: fmt.Sprintf("malformed capture id %q", s),
		}
	}
	day, err := time.ParseInLocation(captureDayLayout, s[i+1:], time.UTC)
	if err != nil {
		return time.Time{}, &errors.ValidationError{
			Field:   "capture_id",
			Message: fmt.Sprintf("bad capture day in %q: %v", s, err),
		}
	}
	return day, nil
}

// PartitionCanonical returns the canonical partition component. The
// canonical JSON itself contains colons, so the id is split on the
// first and last colon only.
func (c CaptureID) PartitionCanonical() (string, error) {
	s := string(c)
	first := strings.IndexByte(s, ':')
	last := strings.LastIndexByte(s, ':')
	if first < 0 || last <= first {
		return "", &errors.ValidationError{
			Field:   "capture_id",
			Message: fmt.Sprintf("malformed capture id %q", s),
		}
	}
	return s[first+1 : last], nil
}

// Validate checks all three components parse.
func (c CaptureID) Validate() error {
	if c.Domain() == "" {
		return &errors.ValidationError{
			Field:   "capture_id",
			Message: fmt.Sprintf("missing domain in %q", string(c)),
		}
	}
	canonical, err := c.PartitionCanonical()
	if err != nil {
		return err
	}
	if _, err := ParseKey(canonical); err != nil {
		return err
	}
	_, err = c.Day()
	return err
}

// ContentHash returns the first 16 hex characters of the SHA-256 of b.
// Used by revision detection to decide whether source content changed.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

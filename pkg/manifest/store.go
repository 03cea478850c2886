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

// Package manifest is the durable partition-state ledger: which
// (partition, stage) pairs were written under which capture, plus the
// quality, reject, anomaly, and readiness records around them.
package manifest

import (
	"time"

	"github.com/marketspine/spine/pkg/storage"
)

// Stage names a point in a pipeline's flow. Domains may define their
// own stages beyond the common ones.
type Stage string

const (
	StageRaw        Stage = "RAW"
	StageNormalized Stage = "NORMALIZED"
	StageAggregated Stage = "AGGREGATED"
	StageComputed   Stage = "COMPUTED"
)

// Rank orders the common stages for progress comparisons. Unknown
// stages rank 0; domains that need ordering for custom stages set
// StageRank on the entry explicitly.
func (s Stage) Rank() int {
	switch s {
	case StageRaw:
		return 10
	case StageNormalized:
		return 20
	case StageAggregated:
		return 30
	case StageComputed:
		return 40
	}
	return 0
}

// Store reads and writes the core_* ledger tables. All operations are
// synchronous and transactional per call.
type Store struct {
	db  *storage.DB
	now func() time.Time
}

// NewStore builds a Store over an opened database.
func NewStore(db *storage.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock. Tests use this to make updated_at
// deterministic.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

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

package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/partition"
)

// QualityReport captures the quality gate outcome for one (partition,
// stage, capture). Metrics holds domain-specific measurements beyond
// the common counts.
type QualityReport struct {
	Domain         string
	Pipeline       string
	Partition      partition.Key
	Stage          Stage
	CaptureID      partition.CaptureID
	RecordCount    int64
	ValidCount     int64
	NullRate       float64
	Metrics        map[string]float64
	Passed         bool
	FailureReasons []string
	CreatedAt      time.Time
}

// RecordQuality upserts the quality report for its (partition, stage,
// capture) identity. Re-running a capture replaces the prior report.
func (s *Store) RecordQuality(ctx context.Context, r QualityReport) error {
	if r.Domain == "" || r.Pipeline == "" {
		return &errors.ValidationError{
			Field:   "quality",
			Message: "domain and pipeline are required",
		}
	}
	if err := r.CaptureID.Validate(); err != nil {
		return err
	}

	metricsJSON, err := json.Marshal(orEmptyMetrics(r.Metrics))
	if err != nil {
		return fmt.Errorf("marshal quality metrics: %w", err)
	}
	reasonsJSON, err := json.Marshal(orEmptyStrings(r.FailureReasons))
	if err != nil {
		return fmt.Errorf("marshal failure reasons: %w", err)
	}

	_, err = s.db.SQL().ExecContext(ctx, `
		INSERT INTO core_quality
			(domain, pipeline, partition_key, stage, capture_id,
			 record_count, valid_count, null_rate, metrics, passed,
			 failure_reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, pipeline, partition_key, stage, capture_id) DO UPDATE SET
			record_count = excluded.record_count,
			valid_count = excluded.valid_count,
			null_rate = excluded.null_rate,
			metrics = excluded.metrics,
			passed = excluded.passed,
			failure_reasons = excluded.failure_reasons,
			created_at = excluded.created_at`,
		r.Domain, r.Pipeline, r.Partition.Canonical(), string(r.Stage),
		string(r.CaptureID), r.RecordCount, r.ValidCount, r.NullRate,
		string(metricsJSON), boolToInt(r.Passed), string(reasonsJSON),
		s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record quality: %w", err)
	}
	return nil
}

// QueryQuality returns the quality report for the newest capture of
// (domain, pipeline, partition, stage), or nil when none exists.
func (s *Store) QueryQuality(ctx context.Context, domain, pipeline string, key partition.Key, stage Stage) (*QualityReport, error) {
	row := s.db.SQL().QueryRowContext(ctx, `
		SELECT domain, pipeline, partition_key, stage, capture_id,
		       record_count, valid_count, null_rate, metrics, passed,
		       failure_reasons, created_at
		FROM core_quality
		WHERE domain = ? AND pipeline = ? AND partition_key = ? AND stage = ?
		ORDER BY capture_id DESC, created_at DESC LIMIT 1`,
		domain, pipeline, key.Canonical(), string(stage),
	)

	var (
		r           QualityReport
		partKey     string
		stageCol    string
		captureID   string
		metricsJSON string
		passed      int
		reasonsJSON string
		createdAt   int64
	)
	err := row.Scan(&r.Domain, &r.Pipeline, &partKey, &stageCol, &captureID,
		&r.RecordCount, &r.ValidCount, &r.NullRate, &metricsJSON, &passed,
		&reasonsJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan quality report: %w", err)
	}

	key, err = partition.ParseKey(partKey)
	if err != nil {
		return nil, err
	}
	r.Partition = key
	r.Stage = Stage(stageCol)
	r.CaptureID = partition.CaptureID(captureID)
	r.Passed = passed != 0
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(metricsJSON), &r.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal quality metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(reasonsJSON), &r.FailureReasons); err != nil {
		return nil, fmt.Errorf("unmarshal failure reasons: %w", err)
	}
	return &r, nil
}

func orEmptyMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

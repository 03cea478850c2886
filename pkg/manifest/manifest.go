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
	"fmt"
	"time"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/partition"
)

// Entry is one manifest row: partition P of pipeline Q in domain D
// reached stage S under a capture.
type Entry struct {
	Domain      string
	Pipeline    string
	Partition   partition.Key
	Stage       Stage
	StageRank   int
	CaptureID   partition.CaptureID
	ContentHash string
	RowCount    int64
	ExecutionID string
	UpdatedAt   time.Time
}

// RecordCompletion upserts the manifest row for (domain, pipeline,
// partition, stage, capture). Re-recording under the same capture
// overwrites row_count, content_hash, and execution_id and advances
// updated_at; a new capture id inserts a new row so history is kept.
func (s *Store) RecordCompletion(ctx context.Context, e Entry) error {
	if e.Domain == "" || e.Pipeline == "" {
		return &errors.ValidationError{
			Field:   "manifest",
			Message: "domain and pipeline are required",
		}
	}
	if err := e.Partition.Validate(); err != nil {
		return err
	}
	if e.Stage == "" {
		return &errors.ValidationError{
			Field:   "stage",
			Message: "stage is required",
		}
	}
	if err := e.CaptureID.Validate(); err != nil {
		return err
	}

	rank := e.StageRank
	if rank == 0 {
		rank = e.Stage.Rank()
	}

	_, err := s.db.SQL().ExecContext(ctx, `
		INSERT INTO core_manifest
			(domain, pipeline, partition_key, stage, stage_rank, capture_id,
			 content_hash, row_count, execution_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, pipeline, partition_key, stage, capture_id) DO UPDATE SET
			stage_rank = excluded.stage_rank,
			content_hash = excluded.content_hash,
			row_count = excluded.row_count,
			execution_id = excluded.execution_id,
			updated_at = excluded.updated_at`,
		e.Domain, e.Pipeline, e.Partition.Canonical(), string(e.Stage), rank,
		string(e.CaptureID), e.ContentHash, e.RowCount, e.ExecutionID,
		s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}

// Query returns the latest manifest entry for (domain, partition) and
// optionally stage: the row with the maximum capture id, breaking ties
// by updated_at. Returns nil when no entry exists; absence is a normal
// answer for a read-only check.
func (s *Store) Query(ctx context.Context, domain string, key partition.Key, stage Stage) (*Entry, error) {
	query := `
		SELECT domain, pipeline, partition_key, stage, stage_rank, capture_id,
		       content_hash, row_count, execution_id, updated_at
		FROM core_manifest
		WHERE domain = ? AND partition_key = ?`
	args := []any{domain, key.Canonical()}
	if stage != "" {
		query += " AND stage = ?"
		args = append(args, string(stage))
	}
	query += " ORDER BY capture_id DESC, updated_at DESC LIMIT 1"

	return s.scanEntry(s.db.SQL().QueryRowContext(ctx, query, args...))
}

// QueryPipeline is Query narrowed to one pipeline.
func (s *Store) QueryPipeline(ctx context.Context, domain, pipeline string, key partition.Key, stage Stage) (*Entry, error) {
	query := `
		SELECT domain, pipeline, partition_key, stage, stage_rank, capture_id,
		       content_hash, row_count, execution_id, updated_at
		FROM core_manifest
		WHERE domain = ? AND pipeline = ? AND partition_key = ?`
	args := []any{domain, pipeline, key.Canonical()}
	if stage != "" {
		query += " AND stage = ?"
		args = append(args, string(stage))
	}
	query += " ORDER BY capture_id DESC, updated_at DESC LIMIT 1"

	return s.scanEntry(s.db.SQL().QueryRowContext(ctx, query, args...))
}

// LatestCapture returns the newest capture id recorded for (domain,
// pipeline, partition) across all stages, or "" when none exists.
// Capture ids for a fixed partition differ only in the day suffix, so
// the maximum string is the newest capture.
func (s *Store) LatestCapture(ctx context.Context, domain, pipeline string, key partition.Key) (partition.CaptureID, error) {
	var captureID string
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT capture_id FROM core_manifest
		WHERE domain = ? AND pipeline = ? AND partition_key = ?
		ORDER BY capture_id DESC, updated_at DESC LIMIT 1`,
		domain, pipeline, key.Canonical(),
	).Scan(&captureID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest capture: %w", err)
	}
	return partition.CaptureID(captureID), nil
}

// LatestContentHash returns the content hash stored with the newest
// manifest row for (domain, pipeline, partition) at the given stage,
// or "" when none exists. Revision detection compares source hashes
// against this value.
func (s *Store) LatestContentHash(ctx context.Context, domain, pipeline string, key partition.Key, stage Stage) (string, error) {
	var hash string
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT content_hash FROM core_manifest
		WHERE domain = ? AND pipeline = ? AND partition_key = ? AND stage = ?
		ORDER BY capture_id DESC, updated_at DESC LIMIT 1`,
		domain, pipeline, key.Canonical(), string(stage),
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest content hash: %w", err)
	}
	return hash, nil
}

// StagesComplete reports whether every stage in stages has a manifest
// row for (domain, partition).
func (s *Store) StagesComplete(ctx context.Context, domain string, key partition.Key, stages []Stage) (bool, error) {
	for _, stage := range stages {
		entry, err := s.Query(ctx, domain, key, stage)
		if err != nil {
			return false, err
		}
		if entry == nil {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) scanEntry(row *sql.Row) (*Entry, error) {
	var (
		e         Entry
		partKey   string
		stage     string
		captureID string
		updatedAt int64
	)
	err := row.Scan(&e.Domain, &e.Pipeline, &partKey, &stage, &e.StageRank,
		&captureID, &e.ContentHash, &e.RowCount, &e.ExecutionID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan manifest entry: %w", err)
	}

	key, err := partition.ParseKey(partKey)
	if err != nil {
		return nil, err
	}
	e.Partition = key
	e.Stage = Stage(stage)
	e.CaptureID = partition.CaptureID(captureID)
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &e, nil
}

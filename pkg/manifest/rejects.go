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

	"github.com/marketspine/spine/pkg/partition"
)

// Reject is one record that failed validation during a capture. Record
// holds the original payload so the row stays inspectable after the
// source file is gone.
type Reject struct {
	Record map[string]any
	Reason string
}

// RejectRow is a stored reject with its capture identity.
type RejectRow struct {
	ID         int64
	Domain     string
	Pipeline   string
	Partition  partition.Key
	CaptureID  partition.CaptureID
	Record     map[string]any
	Reason     string
	RejectedAt time.Time
}

// RecordRejects appends rejected records under a capture. Rejects are
// cumulative: re-running a capture appends rather than replaces, so
// callers that want a clean slate clear by capture first.
func (s *Store) RecordRejects(ctx context.Context, domain, pipeline string, key partition.Key, captureID partition.CaptureID, rejects []Reject) error {
	if len(rejects) == 0 {
		return nil
	}
	if err := captureID.Validate(); err != nil {
		return err
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO core_rejects
				(domain, pipeline, partition_key, capture_id, record, reason, rejected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare reject insert: %w", err)
		}
		defer stmt.Close()

		now := s.now().UnixNano()
		canonical := key.Canonical()
		for _, r := range rejects {
			recordJSON, err := json.Marshal(r.Record)
			if err != nil {
				return fmt.Errorf("marshal rejected record: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, domain, pipeline, canonical,
				string(captureID), string(recordJSON), r.Reason, now); err != nil {
				return fmt.Errorf("insert reject: %w", err)
			}
		}
		return nil
	})
}

// ListRejects returns the stored rejects for a capture, oldest first.
func (s *Store) ListRejects(ctx context.Context, captureID partition.CaptureID) ([]RejectRow, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT id, domain, pipeline, partition_key, capture_id, record, reason, rejected_at
		FROM core_rejects
		WHERE capture_id = ?
		ORDER BY id ASC`,
		string(captureID),
	)
	if err != nil {
		return nil, fmt.Errorf("list rejects: %w", err)
	}
	defer rows.Close()

	var out []RejectRow
	for rows.Next() {
		var (
			r          RejectRow
			partKey    string
			capture    string
			recordJSON string
			rejectedAt int64
		)
		if err := rows.Scan(&r.ID, &r.Domain, &r.Pipeline, &partKey, &capture,
			&recordJSON, &r.Reason, &rejectedAt); err != nil {
			return nil, fmt.Errorf("scan reject: %w", err)
		}
		key, err := partition.ParseKey(partKey)
		if err != nil {
			return nil, err
		}
		r.Partition = key
		r.CaptureID = partition.CaptureID(capture)
		r.RejectedAt = time.Unix(0, rejectedAt).UTC()
		if err := json.Unmarshal([]byte(recordJSON), &r.Record); err != nil {
			return nil, fmt.Errorf("unmarshal rejected record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRejects returns the number of rejects stored under a capture.
func (s *Store) CountRejects(ctx context.Context, captureID partition.CaptureID) (int64, error) {
	var n int64
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM core_rejects WHERE capture_id = ?`,
		string(captureID),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rejects: %w", err)
	}
	return n, nil
}

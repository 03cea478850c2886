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

// Readiness is the scheduler's published judgment on whether a
// partition's data is fit for consumption. One row per (domain,
// partition); re-evaluation overwrites.
type Readiness struct {
	Domain         string
	Partition      partition.Key
	IsReady        bool
	BlockingIssues []string
	EvaluatedAt    time.Time
}

// UpsertReadiness records the readiness verdict for a partition.
func (s *Store) UpsertReadiness(ctx context.Context, r Readiness) error {
	issuesJSON, err := json.Marshal(orEmptyStrings(r.BlockingIssues))
	if err != nil {
		return fmt.Errorf("marshal blocking issues: %w", err)
	}

	_, err = s.db.SQL().ExecContext(ctx, `
		INSERT INTO core_data_readiness
			(domain, partition_key, is_ready, blocking_issues, evaluated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(domain, partition_key) DO UPDATE SET
			is_ready = excluded.is_ready,
			blocking_issues = excluded.blocking_issues,
			evaluated_at = excluded.evaluated_at`,
		r.Domain, r.Partition.Canonical(), boolToInt(r.IsReady),
		string(issuesJSON), s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert readiness: %w", err)
	}
	return nil
}

// GetReadiness returns the readiness row for (domain, partition), or
// nil when the partition has never been evaluated.
func (s *Store) GetReadiness(ctx context.Context, domain string, key partition.Key) (*Readiness, error) {
	row := s.db.SQL().QueryRowContext(ctx, `
		SELECT domain, partition_key, is_ready, blocking_issues, evaluated_at
		FROM core_data_readiness
		WHERE domain = ? AND partition_key = ?`,
		domain, key.Canonical(),
	)

	var (
		r           Readiness
		partKey     string
		isReady     int
		issuesJSON  string
		evaluatedAt int64
	)
	err := row.Scan(&r.Domain, &partKey, &isReady, &issuesJSON, &evaluatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan readiness: %w", err)
	}

	key, err = partition.ParseKey(partKey)
	if err != nil {
		return nil, err
	}
	r.Partition = key
	r.IsReady = isReady != 0
	r.EvaluatedAt = time.Unix(0, evaluatedAt).UTC()
	if err := json.Unmarshal([]byte(issuesJSON), &r.BlockingIssues); err != nil {
		return nil, fmt.Errorf("unmarshal blocking issues: %w", err)
	}
	return &r, nil
}

// ListReadiness returns every readiness row for a domain, most
// recently evaluated first.
func (s *Store) ListReadiness(ctx context.Context, domain string) ([]Readiness, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT domain, partition_key, is_ready, blocking_issues, evaluated_at
		FROM core_data_readiness
		WHERE domain = ?
		ORDER BY evaluated_at DESC`,
		domain,
	)
	if err != nil {
		return nil, fmt.Errorf("list readiness: %w", err)
	}
	defer rows.Close()

	var out []Readiness
	for rows.Next() {
		var (
			r           Readiness
			partKey     string
			isReady     int
			issuesJSON  string
			evaluatedAt int64
		)
		if err := rows.Scan(&r.Domain, &partKey, &isReady, &issuesJSON, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("scan readiness: %w", err)
		}
		key, err := partition.ParseKey(partKey)
		if err != nil {
			return nil, err
		}
		r.Partition = key
		r.IsReady = isReady != 0
		r.EvaluatedAt = time.Unix(0, evaluatedAt).UTC()
		if err := json.Unmarshal([]byte(issuesJSON), &r.BlockingIssues); err != nil {
			return nil, fmt.Errorf("unmarshal blocking issues: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

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

// Severity grades an anomaly. ERROR and above block readiness.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Blocking reports whether the severity blocks partition readiness.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarn:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Anomaly is a partition-level incident: something a pipeline or the
// scheduler observed that operators should know about. Pipeline and
// Partition may be empty for domain-wide incidents.
type Anomaly struct {
	ID         int64
	Domain     string
	Pipeline   string
	Partition  partition.Key
	Severity   Severity
	Category   errors.Category
	Message    string
	DetectedAt time.Time
	ResolvedAt *time.Time
}

// Resolved reports whether the anomaly has been resolved.
func (a Anomaly) Resolved() bool {
	return a.ResolvedAt != nil
}

// AnomalyFilter narrows ListAnomalies. Zero values match everything.
type AnomalyFilter struct {
	Domain      string
	Partition   partition.Key
	MinSeverity Severity
	Unresolved  bool
}

// RecordAnomaly stores a new anomaly and returns its id.
func (s *Store) RecordAnomaly(ctx context.Context, a Anomaly) (int64, error) {
	if a.Domain == "" {
		return 0, &errors.ValidationError{Field: "domain", Message: "domain is required"}
	}
	if a.Severity.rank() == 0 {
		return 0, &errors.ValidationError{
			Field:      "severity",
			Message:    fmt.Sprintf("unknown severity %q", a.Severity),
			Suggestion: "use one of INFO, WARN, ERROR, CRITICAL",
		}
	}

	partKey := ""
	if len(a.Partition) > 0 {
		partKey = a.Partition.Canonical()
	}
	category := string(a.Category)
	if category == "" {
		category = string(errors.CategoryInternal)
	}

	res, err := s.db.SQL().ExecContext(ctx, `
		INSERT INTO core_anomalies
			(domain, pipeline, partition_key, severity, category, message, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Domain, a.Pipeline, partKey, string(a.Severity), category,
		a.Message, s.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("record anomaly: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("anomaly id: %w", err)
	}
	return id, nil
}

// ResolveAnomaly marks an anomaly resolved. Resolving twice is a
// no-op; resolving an unknown id is a NotFoundError.
func (s *Store) ResolveAnomaly(ctx context.Context, id int64) error {
	res, err := s.db.SQL().ExecContext(ctx, `
		UPDATE core_anomalies SET resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL`,
		s.now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("resolve anomaly: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve anomaly: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.SQL().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM core_anomalies WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("resolve anomaly: %w", err)
		}
		if exists == 0 {
			return &errors.NotFoundError{Resource: "anomaly", ID: fmt.Sprintf("%d", id)}
		}
	}
	return nil
}

// ListAnomalies returns anomalies matching the filter, newest first.
func (s *Store) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]Anomaly, error) {
	query := `
		SELECT id, domain, pipeline, partition_key, severity, category,
		       message, detected_at, resolved_at
		FROM core_anomalies WHERE 1=1`
	var args []any
	if f.Domain != "" {
		query += " AND domain = ?"
		args = append(args, f.Domain)
	}
	if len(f.Partition) > 0 {
		query += " AND partition_key = ?"
		args = append(args, f.Partition.Canonical())
	}
	if f.Unresolved {
		query += " AND resolved_at IS NULL"
	}
	query += " ORDER BY detected_at DESC, id DESC"

	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		if f.MinSeverity != "" && a.Severity.rank() < f.MinSeverity.rank() {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// HasBlockingAnomalies reports whether (domain, partition) has any
// unresolved anomaly at ERROR severity or above. Readiness evaluation
// uses this as a veto.
func (s *Store) HasBlockingAnomalies(ctx context.Context, domain string, key partition.Key) (bool, error) {
	var n int
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM core_anomalies
		WHERE domain = ? AND partition_key = ?
		  AND severity IN (?, ?) AND resolved_at IS NULL`,
		domain, key.Canonical(), string(SeverityError), string(SeverityCritical),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("blocking anomalies: %w", err)
	}
	return n > 0, nil
}

func scanAnomaly(rows *sql.Rows) (Anomaly, error) {
	var (
		a          Anomaly
		partKey    string
		severity   string
		category   string
		detectedAt int64
		resolvedAt sql.NullInt64
	)
	if err := rows.Scan(&a.ID, &a.Domain, &a.Pipeline, &partKey, &severity,
		&category, &a.Message, &detectedAt, &resolvedAt); err != nil {
		return Anomaly{}, fmt.Errorf("scan anomaly: %w", err)
	}
	if partKey != "" {
		key, err := partition.ParseKey(partKey)
		if err != nil {
			return Anomaly{}, err
		}
		a.Partition = key
	}
	a.Severity = Severity(severity)
	a.Category = errors.Category(category)
	a.DetectedAt = time.Unix(0, detectedAt).UTC()
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64).UTC()
		a.ResolvedAt = &t
	}
	return a, nil
}

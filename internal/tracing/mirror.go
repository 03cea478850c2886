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

package tracing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/marketspine/spine/pkg/storage"
)

// StoredSpan is one row of the core_trace_spans mirror.
type StoredSpan struct {
	TraceID       string
	SpanID        string
	ParentID      string
	Name          string
	Kind          string
	StartTime     time.Time
	EndTime       time.Time
	StatusCode    string
	StatusMessage string
	Attributes    map[string]any
}

// Duration is the span's wall time.
func (s StoredSpan) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// SpanStore reads and writes the core_trace_spans table.
type SpanStore struct {
	db *storage.DB
}

// NewSpanStore creates a span store over an open database.
func NewSpanStore(db *storage.DB) *SpanStore {
	return &SpanStore{db: db}
}

// Store persists one finished span. Re-exported spans replace their
// earlier row.
func (s *SpanStore) Store(ctx context.Context, rec StoredSpan) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal span attributes: %w", err)
	}

	parent := sql.NullString{}
	if rec.ParentID != "" {
		parent = sql.NullString{String: rec.ParentID, Valid: true}
	}

	_, err = s.db.SQL().ExecContext(ctx, `
		INSERT OR REPLACE INTO core_trace_spans
			(trace_id, span_id, parent_id, name, kind, start_time, end_time,
			 status_code, status_message, attributes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID, rec.SpanID, parent, rec.Name, rec.Kind,
		rec.StartTime.UnixNano(), rec.EndTime.UnixNano(),
		rec.StatusCode, rec.StatusMessage, string(attrs),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store span: %w", err)
	}
	return nil
}

// Trace returns all mirrored spans for a trace, ordered by start time.
func (s *SpanStore) Trace(ctx context.Context, traceID string) ([]StoredSpan, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT trace_id, span_id, parent_id, name, kind, start_time,
		       end_time, status_code, status_message, attributes
		FROM core_trace_spans
		WHERE trace_id = ?
		ORDER BY start_time`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace: %w", err)
	}
	defer rows.Close()

	return scanSpans(rows)
}

// Recent returns the most recently started spans, newest first.
func (s *SpanStore) Recent(ctx context.Context, limit int) ([]StoredSpan, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT trace_id, span_id, parent_id, name, kind, start_time,
		       end_time, status_code, status_message, attributes
		FROM core_trace_spans
		ORDER BY start_time DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent spans: %w", err)
	}
	defer rows.Close()

	return scanSpans(rows)
}

// DeleteOlderThan removes mirrored spans that started before the
// cutoff and returns how many were deleted.
func (s *SpanStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM core_trace_spans WHERE start_time < ?`,
		before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old spans: %w", err)
	}
	return result.RowsAffected()
}

func scanSpans(rows *sql.Rows) ([]StoredSpan, error) {
	var spans []StoredSpan
	for rows.Next() {
		var (
			rec        StoredSpan
			parent     sql.NullString
			startNanos int64
			endNanos   int64
			attrsJSON  string
		)
		if err := rows.Scan(
			&rec.TraceID, &rec.SpanID, &parent, &rec.Name, &rec.Kind,
			&startNanos, &endNanos, &rec.StatusCode, &rec.StatusMessage,
			&attrsJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		rec.ParentID = parent.String
		rec.StartTime = time.Unix(0, startNanos).UTC()
		rec.EndTime = time.Unix(0, endNanos).UTC()
		if attrsJSON != "" {
			if err := json.Unmarshal([]byte(attrsJSON), &rec.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode span attributes: %w", err)
			}
		}
		spans = append(spans, rec)
	}
	return spans, rows.Err()
}

// Exporter mirrors finished spans into SQLite. It implements
// sdktrace.SpanExporter and is registered as a second batcher beside
// the configured exporter.
type Exporter struct {
	store *SpanStore
}

// NewExporter creates a mirroring exporter over the span store.
func NewExporter(store *SpanStore) *Exporter {
	return &Exporter{store: store}
}

// ExportSpans writes one batch of finished spans.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		rec := StoredSpan{
			TraceID:       span.SpanContext().TraceID().String(),
			SpanID:        span.SpanContext().SpanID().String(),
			Name:          span.Name(),
			Kind:          span.SpanKind().String(),
			StartTime:     span.StartTime(),
			EndTime:       span.EndTime(),
			StatusCode:    span.Status().Code.String(),
			StatusMessage: span.Status().Description,
		}
		if span.Parent().HasSpanID() {
			rec.ParentID = span.Parent().SpanID().String()
		}
		if attrs := span.Attributes(); len(attrs) > 0 {
			rec.Attributes = make(map[string]any, len(attrs))
			for _, kv := range attrs {
				rec.Attributes[string(kv.Key)] = kv.Value.AsInterface()
			}
		}

		if err := e.store.Store(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown satisfies sdktrace.SpanExporter; the database is owned by
// the caller.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return nil
}

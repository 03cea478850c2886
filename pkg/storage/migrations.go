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

package storage

import (
	"context"
	"fmt"
)

// migrate creates the core schema. Statements are idempotent so opening
// an existing database is safe. Time columns are integer unix
// nanoseconds except where a contract pins ISO-8601 text (checkpoints).
func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrations := []string{
		// Manifest: the durable ledger that (partition, stage) was
		// written under a capture. Same capture upserts; a new capture
		// is a new row so history is preserved.
		`CREATE TABLE IF NOT EXISTS core_manifest (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			stage TEXT NOT NULL,
			stage_rank INTEGER NOT NULL DEFAULT 0,
			capture_id TEXT NOT NULL,
			content_hash TEXT NOT NULL DEFAULT '',
			row_count INTEGER NOT NULL DEFAULT 0,
			execution_id TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			UNIQUE(domain, pipeline, partition_key, stage, capture_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_manifest_partition
			ON core_manifest(domain, partition_key, stage)`,
		`CREATE INDEX IF NOT EXISTS idx_manifest_latest
			ON core_manifest(domain, pipeline, partition_key, capture_id)`,

		// Quality metrics per (partition, stage, capture).
		`CREATE TABLE IF NOT EXISTS core_quality (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			stage TEXT NOT NULL,
			capture_id TEXT NOT NULL,
			record_count INTEGER NOT NULL DEFAULT 0,
			valid_count INTEGER NOT NULL DEFAULT 0,
			null_rate REAL NOT NULL DEFAULT 0,
			metrics TEXT NOT NULL DEFAULT '{}',
			passed INTEGER NOT NULL DEFAULT 1,
			failure_reasons TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			UNIQUE(domain, pipeline, partition_key, stage, capture_id)
		)`,

		// Rejected records, cumulative, keyed by capture so old
		// captures remain inspectable.
		`CREATE TABLE IF NOT EXISTS core_rejects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			capture_id TEXT NOT NULL,
			record TEXT NOT NULL,
			reason TEXT NOT NULL,
			rejected_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rejects_capture
			ON core_rejects(capture_id)`,

		// Partition-level incidents.
		`CREATE TABLE IF NOT EXISTS core_anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			pipeline TEXT NOT NULL DEFAULT '',
			partition_key TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			resolved_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_partition
			ON core_anomalies(domain, partition_key, severity)`,

		// Readiness: the scheduler's final judgment per partition.
		`CREATE TABLE IF NOT EXISTS core_data_readiness (
			domain TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			is_ready INTEGER NOT NULL DEFAULT 0,
			blocking_issues TEXT NOT NULL DEFAULT '[]',
			evaluated_at INTEGER NOT NULL,
			PRIMARY KEY(domain, partition_key)
		)`,

		// Durable work queue. Uniqueness on the work identity enforces
		// duplicate-enqueue rejection at the database.
		`CREATE TABLE IF NOT EXISTS core_work_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 0,
			lane TEXT NOT NULL DEFAULT 'normal',
			state TEXT NOT NULL DEFAULT 'PENDING',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			next_attempt_at INTEGER,
			locked_by TEXT,
			locked_at INTEGER,
			last_error TEXT,
			current_execution_id TEXT,
			desired_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(domain, pipeline, partition_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_claim
			ON core_work_items(state, lane, priority, desired_at)`,

		// Workflow checkpoints: one row per run, advancing as the run
		// progresses. Timestamps are ISO-8601 text because the JSON
		// checkpoint format mirrors these columns exactly.
		`CREATE TABLE IF NOT EXISTS core_workflow_checkpoints (
			run_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			step_name TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			context_snapshot TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT
		)`,

		// Span mirror: finished spans copied here when
		// tracing.mirror_to_db is enabled, so traces are inspectable
		// without a collector.
		`CREATE TABLE IF NOT EXISTS core_trace_spans (
			trace_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			parent_id TEXT,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			status_code TEXT NOT NULL,
			status_message TEXT NOT NULL DEFAULT '',
			attributes TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (trace_id, span_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_spans_start
			ON core_trace_spans(start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_spans_name
			ON core_trace_spans(name)`,
	}

	for i, migration := range migrations {
		if _, err := d.sqlDB.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

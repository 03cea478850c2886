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

package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/storage"
)

// checkpointTimeFormat is RFC 3339 UTC at second precision. The fixed
// width keeps text comparison in the TTL sweep correct. The checkpoint
// row is the one place the schema stores text timestamps, because the
// snapshot JSON mirrors the row exactly.
const checkpointTimeFormat = time.RFC3339

// Checkpoint is the durable resume point of a run: where the
// traversal stands and the full context to rehydrate. One row per
// run_id, advancing as the run progresses.
type Checkpoint struct {
	RunID     string `json:"run_id"`
	Workflow  string `json:"workflow_name"`
	StepName  string `json:"step_name"`
	StepIndex int    `json:"step_index"`

	// Context is the snapshot taken after StepName merged.
	Context WorkflowContext `json:"context"`

	// Completed lists completed step names in traversal order.
	Completed []string `json:"completed_steps"`

	// NextIndex is where the traversal continues. It accounts for
	// choice jumps, so a resume never re-enters a skipped span.
	NextIndex int `json:"next_index"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// snapshot is the context_snapshot column payload.
type snapshot struct {
	Context   WorkflowContext `json:"context"`
	Completed []string        `json:"completed_steps"`
	NextIndex int             `json:"next_index"`
}

// CheckpointStore persists checkpoints in core_workflow_checkpoints.
type CheckpointStore struct {
	db *storage.DB
}

// NewCheckpointStore builds a store over an open database.
func NewCheckpointStore(db *storage.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save upserts the checkpoint for its run. A stale write (lower step
// index than the stored row) is ignored, so the row only advances.
func (s *CheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.RunID == "" {
		return &errors.ValidationError{Field: "run_id", Message: "run_id is required"}
	}
	snap, err := json.Marshal(snapshot{
		Context:   cp.Context,
		Completed: cp.Completed,
		NextIndex: cp.NextIndex,
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint snapshot: %w", err)
	}

	var expires any
	if cp.ExpiresAt != nil {
		expires = cp.ExpiresAt.UTC().Format(checkpointTimeFormat)
	}

	_, err = s.db.SQL().ExecContext(ctx, `
		INSERT INTO core_workflow_checkpoints
			(run_id, workflow_name, step_name, step_index, context_snapshot, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			step_name = excluded.step_name,
			step_index = excluded.step_index,
			context_snapshot = excluded.context_snapshot,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE excluded.step_index >= core_workflow_checkpoints.step_index`,
		cp.RunID, cp.Workflow, cp.StepName, cp.StepIndex, string(snap),
		cp.CreatedAt.UTC().Format(checkpointTimeFormat), expires,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint for run %s: %w", cp.RunID, err)
	}
	return nil
}

// Load returns the checkpoint for runID, or NotFoundError.
func (s *CheckpointStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.SQL().QueryRowContext(ctx, `
		SELECT run_id, workflow_name, step_name, step_index, context_snapshot, created_at, expires_at
		FROM core_workflow_checkpoints
		WHERE run_id = ?`, runID)

	var cp Checkpoint
	var snapJSON, createdAt string
	var expiresAt sql.NullString
	err := row.Scan(&cp.RunID, &cp.Workflow, &cp.StepName, &cp.StepIndex,
		&snapJSON, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "checkpoint", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for run %s: %w", runID, err)
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(snapJSON), &snap); err != nil {
		return nil, fmt.Errorf("decode checkpoint snapshot for run %s: %w", runID, err)
	}
	cp.Context = snap.Context
	cp.Completed = snap.Completed
	cp.NextIndex = snap.NextIndex

	cp.CreatedAt, err = time.Parse(checkpointTimeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint created_at for run %s: %w", runID, err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(checkpointTimeFormat, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint expires_at for run %s: %w", runID, err)
		}
		cp.ExpiresAt = &t
	}
	return &cp, nil
}

// Delete removes the checkpoint for runID. Deleting a missing row is
// not an error.
func (s *CheckpointStore) Delete(ctx context.Context, runID string) error {
	_, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM core_workflow_checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete checkpoint for run %s: %w", runID, err)
	}
	return nil
}

// Sweep removes checkpoints whose TTL has passed, returning how many.
func (s *CheckpointStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM core_workflow_checkpoints
		 WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UTC().Format(checkpointTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("sweep checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

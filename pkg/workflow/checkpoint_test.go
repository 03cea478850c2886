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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/storage"
)

func newTestCheckpointStore(t *testing.T) *CheckpointStore {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewCheckpointStore(db)
}

func sampleCheckpoint(runID string, stepIndex int) *Checkpoint {
	wctx := NewContext(map[string]any{"tier": "T1"}).
		WithStepOutput("ingest", map[string]any{"row_count": float64(42)}).
		WithPartition(partition.Key{"week_ending": "2026-01-09"})
	wctx.RunID = runID
	return &Checkpoint{
		RunID:     runID,
		Workflow:  "weekly",
		StepName:  "ingest",
		StepIndex: stepIndex,
		Context:   wctx,
		Completed: []string{"plan", "ingest"},
		NextIndex: stepIndex + 1,
		CreatedAt: time.Date(2026, 1, 9, 18, 0, 0, 0, time.UTC),
	}
}

func TestCheckpointStore_SaveLoadRoundTrip(t *testing.T) {
	store := newTestCheckpointStore(t)
	ctx := context.Background()

	cp := sampleCheckpoint("run-1", 1)
	expires := cp.CreatedAt.Add(time.Hour)
	cp.ExpiresAt = &expires
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Load(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "weekly", got.Workflow)
	assert.Equal(t, "ingest", got.StepName)
	assert.Equal(t, 1, got.StepIndex)
	assert.Equal(t, 2, got.NextIndex)
	assert.Equal(t, []string{"plan", "ingest"}, got.Completed)
	assert.True(t, got.CreatedAt.Equal(cp.CreatedAt))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))

	// The snapshot round-trips the full context.
	assert.Equal(t, "run-1", got.Context.RunID)
	assert.Equal(t, "T1", got.Context.GetStringOr("tier", ""))
	v, ok := got.Context.GetOutput("ingest", "row_count")
	require.True(t, ok)
	assert.Equal(t, float64(42), v)
	assert.Equal(t, "2026-01-09", got.Context.Partition["week_ending"])
}

func TestCheckpointStore_SaveRequiresRunID(t *testing.T) {
	store := newTestCheckpointStore(t)
	err := store.Save(context.Background(), sampleCheckpoint("", 0))
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "run_id", verr.Field)
}

func TestCheckpointStore_MonotonicAdvance(t *testing.T) {
	store := newTestCheckpointStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleCheckpoint("run-1", 2)))

	// A stale writer cannot move the checkpoint backwards.
	stale := sampleCheckpoint("run-1", 1)
	stale.StepName = "plan"
	require.NoError(t, store.Save(ctx, stale))

	got, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.StepIndex)
	assert.Equal(t, "ingest", got.StepName)

	// Equal index re-saves, later index advances.
	same := sampleCheckpoint("run-1", 2)
	same.StepName = "ingest-again"
	require.NoError(t, store.Save(ctx, same))
	got, err = store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "ingest-again", got.StepName)

	require.NoError(t, store.Save(ctx, sampleCheckpoint("run-1", 3)))
	got, err = store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.StepIndex)
	assert.Equal(t, 4, got.NextIndex)
}

func TestCheckpointStore_LoadMissing(t *testing.T) {
	store := newTestCheckpointStore(t)
	_, err := store.Load(context.Background(), "run-ghost")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "checkpoint", nf.Resource)
	assert.Equal(t, "run-ghost", nf.ID)
}

func TestCheckpointStore_Delete(t *testing.T) {
	store := newTestCheckpointStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleCheckpoint("run-1", 0)))
	require.NoError(t, store.Delete(ctx, "run-1"))

	_, err := store.Load(ctx, "run-1")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)

	// Deleting an absent row is not an error.
	require.NoError(t, store.Delete(ctx, "run-1"))
}

func TestCheckpointStore_Sweep(t *testing.T) {
	store := newTestCheckpointStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	expired := sampleCheckpoint("run-expired", 0)
	past := now.Add(-time.Minute)
	expired.ExpiresAt = &past
	require.NoError(t, store.Save(ctx, expired))

	live := sampleCheckpoint("run-live", 0)
	future := now.Add(time.Hour)
	live.ExpiresAt = &future
	require.NoError(t, store.Save(ctx, live))

	// No TTL means the row never expires.
	require.NoError(t, store.Save(ctx, sampleCheckpoint("run-forever", 0)))

	swept, err := store.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = store.Load(ctx, "run-expired")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = store.Load(ctx, "run-live")
	assert.NoError(t, err)
	_, err = store.Load(ctx, "run-forever")
	assert.NoError(t, err)
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/pkg/partition"
)

func TestNewContext(t *testing.T) {
	params := map[string]any{"week": "2026-01-05", "nested": map[string]any{"a": 1}}
	ctx := NewContext(params)

	require.NotEmpty(t, ctx.RunID)
	require.NotEmpty(t, ctx.TraceID)
	assert.NotEqual(t, ctx.RunID, ctx.TraceID)
	assert.False(t, ctx.StartedAt.IsZero())
	assert.NotNil(t, ctx.StepOutputs)

	// The context owns its params; mutating the source map must not
	// leak in.
	params["week"] = "mutated"
	params["nested"].(map[string]any)["a"] = 99
	assert.Equal(t, "2026-01-05", ctx.GetStringOr("week", ""))
	nested := ctx.Params["nested"].(map[string]any)
	assert.Equal(t, 1, nested["a"])
}

func TestWithUpdates_DoesNotMutateReceiver(t *testing.T) {
	base := NewContext(map[string]any{"tier": "T1", "limit": int64(5)})

	updated := base.WithUpdates(map[string]any{"tier": "T2", "validated": true})

	assert.Equal(t, "T1", base.GetStringOr("tier", ""))
	_, err := base.GetBool("validated")
	require.Error(t, err)

	assert.Equal(t, "T2", updated.GetStringOr("tier", ""))
	assert.True(t, updated.GetBoolOr("validated", false))
	assert.Equal(t, int64(5), updated.GetInt64Or("limit", 0))
}

func TestWithUpdates_DeepCopiesValues(t *testing.T) {
	payload := map[string]any{"rows": []any{int64(1), int64(2)}}
	ctx := NewContext(nil).WithUpdates(map[string]any{"payload": payload})

	payload["rows"] = "clobbered"
	stored := ctx.Params["payload"].(map[string]any)
	assert.Equal(t, []any{int64(1), int64(2)}, stored["rows"])
}

func TestWithStepOutput(t *testing.T) {
	ctx := NewContext(nil)

	_, ok := ctx.Output("fetch")
	require.False(t, ok, "output defined only after the step completed")

	out := map[string]any{"records": int64(100)}
	next := ctx.WithStepOutput("fetch", out)

	// Receiver untouched, new context carries a copy.
	_, ok = ctx.Output("fetch")
	assert.False(t, ok)

	got, ok := next.Output("fetch")
	require.True(t, ok)
	assert.Equal(t, int64(100), got["records"])

	out["records"] = int64(-1)
	got, _ = next.Output("fetch")
	assert.Equal(t, int64(100), got["records"])
}

func TestWithStepOutput_NilBecomesEmpty(t *testing.T) {
	ctx := NewContext(nil).WithStepOutput("noop", nil)

	out, ok := ctx.Output("noop")
	require.True(t, ok)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestGetOutput(t *testing.T) {
	ctx := NewContext(nil).
		WithStepOutput("fetch", map[string]any{"records": int64(100)})

	v, ok := ctx.GetOutput("fetch", "records")
	require.True(t, ok)
	assert.Equal(t, int64(100), v)

	_, ok = ctx.GetOutput("fetch", "missing")
	assert.False(t, ok)
	_, ok = ctx.GetOutput("never_ran", "records")
	assert.False(t, ok)
}

func TestWithPartition_ClonesKey(t *testing.T) {
	key := partition.Key{"week_start": "2026-01-05", "tier": "T1"}
	ctx := NewContext(nil).WithPartition(key)

	key["tier"] = "T2"
	assert.Equal(t, "T1", ctx.Partition["tier"])
}

func TestWithMetadataAndCheckpoint(t *testing.T) {
	ctx := NewContext(nil).
		WithMetadata("source", "finra").
		WithCheckpoint("transform")

	assert.Equal(t, "finra", ctx.Metadata["source"])
	assert.Equal(t, "transform", ctx.Checkpoint)
}

func TestDocument(t *testing.T) {
	ctx := NewContext(map[string]any{"tier": "T1"}).
		WithStepOutput("ingest", map[string]any{"row_count": int64(42)}).
		WithPartition(partition.Key{"week_start": "2026-01-05"}).
		WithAsOfDate("2026-01-09").
		WithMetadata("origin", "scheduler")

	doc := ctx.Document()

	assert.Equal(t, ctx.RunID, doc["run_id"])
	assert.Equal(t, "2026-01-09", doc["as_of_date"])

	params := doc["params"].(map[string]any)
	assert.Equal(t, "T1", params["tier"])

	outputs := doc["outputs"].(map[string]any)
	ingest := outputs["ingest"].(map[string]any)
	assert.Equal(t, int64(42), ingest["row_count"])

	part := doc["partition"].(map[string]any)
	assert.Equal(t, "2026-01-05", part["week_start"])

	meta := doc["metadata"].(map[string]any)
	assert.Equal(t, "scheduler", meta["origin"])
}

func TestDryRun(t *testing.T) {
	ctx := NewContext(nil)
	assert.False(t, ctx.DryRun())
	assert.True(t, ctx.WithUpdates(map[string]any{"__dry_run__": true}).DryRun())
}

func TestClone_SharesNothing(t *testing.T) {
	base := NewContext(map[string]any{"list": []any{"a"}}).
		WithStepOutput("s", map[string]any{"k": "v"}).
		WithMetadata("m", "1")

	cp := base.clone()
	cp.Params["list"].([]any)[0] = "changed"
	cp.StepOutputs["s"]["k"] = "changed"
	cp.Metadata["m"] = "changed"

	assert.Equal(t, "a", base.Params["list"].([]any)[0])
	assert.Equal(t, "v", base.StepOutputs["s"]["k"])
	assert.Equal(t, "1", base.Metadata["m"])
}

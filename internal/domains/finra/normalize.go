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

package finra

import (
	"context"
	"fmt"

	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/pipeline"
)

// normalizeFactory builds the phase-2 pipeline: collapse the raw
// per-venue rows of one capture into per-symbol activity, carrying the
// RAW capture id forward so raw and normalized rows stay joined.
func normalizeFactory(deps Deps) pipeline.Factory {
	return pipeline.NewFactory(PipelineNormalize, func(ctx context.Context, execCtx execution.Context, params pipeline.Params) (pipeline.Result, error) {
		week, err := requireParam(params, pipeline.KeyWeekEnding)
		if err != nil {
			return pipeline.Result{}, err
		}
		tier, err := requireParam(params, pipeline.KeyTier)
		if err != nil {
			return pipeline.Result{}, err
		}
		capture, err := requireCapture(params)
		if err != nil {
			return pipeline.Result{}, err
		}

		raw, err := deps.DB.Select(ctx, `
			SELECT symbol,
			       MAX(issue_name) AS issue_name,
			       SUM(shares) AS total_shares,
			       SUM(trades) AS total_trades,
			       COUNT(DISTINCT mpid) AS venue_count
			FROM finra_weekly_summary
			WHERE capture_id = ?
			GROUP BY symbol
			ORDER BY symbol`,
			string(capture),
		)
		if err != nil {
			return pipeline.Result{}, err
		}
		if len(raw) == 0 {
			return pipeline.Skipped(fmt.Sprintf("no raw rows under capture %s", capture)), nil
		}

		rows := make([][]any, 0, len(raw))
		for _, r := range raw {
			shares := asInt64(r["total_shares"])
			trades := asInt64(r["total_trades"])
			avgTradeSize := 0.0
			if trades > 0 {
				avgTradeSize = float64(shares) / float64(trades)
			}
			rows = append(rows, []any{
				week, tier, r["symbol"], r["issue_name"],
				shares, trades, asInt64(r["venue_count"]), avgTradeSize,
				string(capture),
			})
		}

		inserted, err := deps.DB.ReplaceCapture(ctx, TableWeeklyActivity, string(capture), weeklyActivityColumns, rows)
		if err != nil {
			return pipeline.Result{}, err
		}

		key := partition.Key{partition.DimWeekEnding: week, partition.DimTier: tier}
		if err := deps.Manifests.RecordCompletion(ctx, manifest.Entry{
			Domain:      Domain,
			Pipeline:    PipelineNormalize,
			Partition:   key,
			Stage:       manifest.StageNormalized,
			CaptureID:   capture,
			RowCount:    inserted,
			ExecutionID: execCtx.ExecutionID.String(),
		}); err != nil {
			return pipeline.Result{}, err
		}

		return pipeline.Completed(capture, inserted), nil
	})
}

// asInt64 narrows the values storage.Select hands back for numeric
// columns.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

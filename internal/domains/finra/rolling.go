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
	"sort"
	"strings"
	"time"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/period"
	"github.com/marketspine/spine/pkg/pipeline"
)

// rollingWindowWeeks is the lookback of the rolling volume calc,
// including the target week.
const rollingWindowWeeks = 4

// weeklyTotal accumulates one symbol's activity across the window.
type weeklyTotal struct {
	sharesByWeek map[string]int64
	trades       int64
}

// rollingFactory builds the phase-3 pipeline: cross-tier rolling
// volume per symbol for one week. The calc reads the newest normalized
// capture of every (week, tier) in the window, so replays after a
// revision pick up the revised data.
func rollingFactory(deps Deps) pipeline.Factory {
	return pipeline.NewFactory(PipelineRolling, func(ctx context.Context, execCtx execution.Context, params pipeline.Params) (pipeline.Result, error) {
		week, err := requireParam(params, pipeline.KeyWeekEnding)
		if err != nil {
			return pipeline.Result{}, err
		}
		if params.GetBoolOr(pipeline.KeySkipRolling, false) {
			return pipeline.Skipped(params.GetStringOr(pipeline.KeySkipReason, "rolling calc disabled")), nil
		}
		weekEnd, err := time.ParseInLocation(dayLayout, week, time.UTC)
		if err != nil {
			return pipeline.Result{}, &errors.ValidationError{
				Field:   pipeline.KeyWeekEnding,
				Message: fmt.Sprintf("not a %s date: %v", dayLayout, err),
			}
		}
		strategy := Weekly()
		if err := strategy.ValidateDate(weekEnd); err != nil {
			return pipeline.Result{}, err
		}

		window := period.LastN(strategy, weekEnd, rollingWindowWeeks, WeekStep)
		captures, targetSeen, err := windowCaptures(ctx, deps, window, week)
		if err != nil {
			return pipeline.Result{}, err
		}
		if !targetSeen {
			return pipeline.Skipped(fmt.Sprintf("week %s has no normalized data", week)), nil
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(captures)), ",")
		args := make([]any, len(captures))
		for i, c := range captures {
			args[i] = c
		}
		activity, err := deps.DB.Select(ctx, fmt.Sprintf(`
			SELECT week_ending, symbol,
			       SUM(total_shares) AS shares,
			       SUM(total_trades) AS trades
			FROM finra_weekly_activity
			WHERE capture_id IN (%s)
			GROUP BY week_ending, symbol`, placeholders),
			args...,
		)
		if err != nil {
			return pipeline.Result{}, err
		}

		totals := make(map[string]*weeklyTotal)
		for _, r := range activity {
			wk, _ := r["week_ending"].(string)
			sym, _ := r["symbol"].(string)
			t := totals[sym]
			if t == nil {
				t = &weeklyTotal{sharesByWeek: make(map[string]int64, rollingWindowWeeks)}
				totals[sym] = t
			}
			t.sharesByWeek[wk] += asInt64(r["shares"])
			if wk == week {
				t.trades += asInt64(r["trades"])
			}
		}

		symbols := make([]string, 0, len(totals))
		for sym, t := range totals {
			if _, active := t.sharesByWeek[week]; active {
				symbols = append(symbols, sym)
			}
		}
		sort.Strings(symbols)
		if len(symbols) == 0 {
			return pipeline.Skipped(fmt.Sprintf("week %s has no active symbols", week)), nil
		}

		weekKey := partition.Key{partition.DimWeekEnding: week}
		capture := partition.NewCaptureID(Domain, weekKey, deps.now().UTC())

		rows := make([][]any, 0, len(symbols))
		for _, sym := range symbols {
			t := totals[sym]
			var sum int64
			for _, shares := range t.sharesByWeek {
				sum += shares
			}
			observed := len(t.sharesByWeek)
			rows = append(rows, []any{
				week, sym, t.sharesByWeek[week], t.trades,
				float64(sum) / float64(observed), observed,
				string(capture),
			})
		}

		inserted, err := deps.DB.ReplaceCapture(ctx, TableRollingVolume, string(capture), rollingVolumeColumns, rows)
		if err != nil {
			return pipeline.Result{}, err
		}
		if err := deps.Manifests.RecordCompletion(ctx, manifest.Entry{
			Domain:      Domain,
			Pipeline:    PipelineRolling,
			Partition:   weekKey,
			Stage:       manifest.StageComputed,
			CaptureID:   capture,
			RowCount:    inserted,
			ExecutionID: execCtx.ExecutionID.String(),
		}); err != nil {
			return pipeline.Result{}, err
		}

		return pipeline.Completed(capture, inserted).
			WithMetric("window_weeks", float64(len(window))).
			WithMetric("symbols", float64(inserted)), nil
	})
}

// windowCaptures resolves the newest normalized capture of every
// (week, tier) in the window. targetSeen reports whether the target
// week contributed at least one capture.
func windowCaptures(ctx context.Context, deps Deps, window []time.Time, target string) ([]string, bool, error) {
	var (
		captures   []string
		targetSeen bool
	)
	for _, wk := range window {
		weekStr := wk.Format(dayLayout)
		for _, tier := range Tiers() {
			key := partition.Key{partition.DimWeekEnding: weekStr, partition.DimTier: tier}
			entry, err := deps.Manifests.Query(ctx, Domain, key, manifest.StageNormalized)
			if err != nil {
				return nil, false, err
			}
			if entry == nil {
				continue
			}
			captures = append(captures, string(entry.CaptureID))
			if weekStr == target {
				targetSeen = true
			}
		}
	}
	return captures, targetSeen, nil
}

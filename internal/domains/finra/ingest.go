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
	"strconv"
	"strings"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/pipeline"
)

// weeklyHeader is the expected first line of a weekly summary file.
// Files without it are parsed from the first line.
const weeklyHeader = "symbol|issue_name|mpid|shares|trades"

const weeklyFieldCount = 5

// maxRejectRate is the quality gate: a capture rejecting more than
// this fraction of its lines records a failed quality report. The
// ingest still completes; readiness surfaces the report.
const maxRejectRate = 0.2

// summaryRecord is one parsed weekly line: what one market participant
// reported for one symbol.
type summaryRecord struct {
	Symbol    string
	IssueName string
	MPID      string
	Shares    int64
	Trades    int64
}

// parseWeeklySummary splits pipe-separated content into valid records
// and rejects. Blank lines are ignored; a leading header line is
// skipped.
func parseWeeklySummary(content string) ([]summaryRecord, []manifest.Reject) {
	var (
		records []summaryRecord
		rejects []manifest.Reject
		first   = true
	)
	for n, raw := range strings.Split(content, "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if first {
			first = false
			if strings.EqualFold(strings.TrimSpace(line), weeklyHeader) {
				continue
			}
		}

		reject := func(reason string) {
			rejects = append(rejects, manifest.Reject{
				Record: map[string]any{"line_number": n + 1, "line": line},
				Reason: reason,
			})
		}

		fields := strings.Split(line, "|")
		if len(fields) != weeklyFieldCount {
			reject(fmt.Sprintf("expected %d fields, got %d", weeklyFieldCount, len(fields)))
			continue
		}
		rec := summaryRecord{
			Symbol:    strings.ToUpper(strings.TrimSpace(fields[0])),
			IssueName: strings.TrimSpace(fields[1]),
			MPID:      strings.ToUpper(strings.TrimSpace(fields[2])),
		}
		if rec.Symbol == "" {
			reject("missing symbol")
			continue
		}
		shares, err := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
		if err != nil || shares < 0 {
			reject("invalid share quantity")
			continue
		}
		trades, err := strconv.ParseInt(strings.TrimSpace(fields[4]), 10, 64)
		if err != nil || trades < 0 {
			reject("invalid trade count")
			continue
		}
		rec.Shares = shares
		rec.Trades = trades
		records = append(records, rec)
	}
	return records, rejects
}

// ingestFactory builds the phase-1 pipeline: parse the fetched weekly
// file, replace the capture's rows, and record manifest, rejects, and
// quality for the (week, tier) partition.
func ingestFactory(deps Deps) pipeline.Factory {
	return pipeline.NewFactory(PipelineIngest, func(ctx context.Context, execCtx execution.Context, params pipeline.Params) (pipeline.Result, error) {
		week, err := requireParam(params, pipeline.KeyWeekEnding)
		if err != nil {
			return pipeline.Result{}, err
		}
		tier, err := requireParam(params, pipeline.KeyTier)
		if err != nil {
			return pipeline.Result{}, err
		}
		content, err := requireParam(params, pipeline.KeySourceContent)
		if err != nil {
			return pipeline.Result{}, err
		}
		capture, err := requireCapture(params)
		if err != nil {
			return pipeline.Result{}, err
		}
		hash := params.GetStringOr(pipeline.KeyContentHash, "")

		key := partition.Key{partition.DimWeekEnding: week, partition.DimTier: tier}
		records, rejects := parseWeeklySummary(content)

		if len(records) == 0 {
			// Nothing ingestable: keep the evidence, skip the manifest
			// so downstream phases and readiness stay blocked.
			if err := deps.Manifests.RecordRejects(ctx, Domain, PipelineIngest, key, capture, rejects); err != nil {
				return pipeline.Result{}, err
			}
			if err := deps.Manifests.RecordQuality(ctx, manifest.QualityReport{
				Domain:         Domain,
				Pipeline:       PipelineIngest,
				Partition:      key,
				Stage:          manifest.StageRaw,
				CaptureID:      capture,
				RecordCount:    int64(len(rejects)),
				ValidCount:     0,
				Passed:         false,
				FailureReasons: []string{"no valid records"},
			}); err != nil {
				return pipeline.Result{}, err
			}
			return pipeline.Result{}, errors.WithCategory(
				errors.New(fmt.Sprintf("week %s tier %s: no valid records in source", week, tier)),
				errors.CategoryDataQuality,
			)
		}

		rows := make([][]any, 0, len(records))
		symbols := make(map[string]bool, len(records))
		var totalShares, unnamed int64
		for _, rec := range records {
			rows = append(rows, []any{
				week, tier, rec.Symbol, rec.IssueName, rec.MPID,
				rec.Shares, rec.Trades, string(capture),
			})
			symbols[rec.Symbol] = true
			totalShares += rec.Shares
			if rec.IssueName == "" {
				unnamed++
			}
		}

		inserted, err := deps.DB.ReplaceCapture(ctx, TableWeeklySummary, string(capture), weeklySummaryColumns, rows)
		if err != nil {
			return pipeline.Result{}, err
		}

		if err := deps.Manifests.RecordCompletion(ctx, manifest.Entry{
			Domain:      Domain,
			Pipeline:    PipelineIngest,
			Partition:   key,
			Stage:       manifest.StageRaw,
			CaptureID:   capture,
			ContentHash: hash,
			RowCount:    inserted,
			ExecutionID: execCtx.ExecutionID.String(),
		}); err != nil {
			return pipeline.Result{}, err
		}
		if err := deps.Manifests.RecordRejects(ctx, Domain, PipelineIngest, key, capture, rejects); err != nil {
			return pipeline.Result{}, err
		}

		total := len(records) + len(rejects)
		rejectRate := float64(len(rejects)) / float64(total)
		quality := manifest.QualityReport{
			Domain:      Domain,
			Pipeline:    PipelineIngest,
			Partition:   key,
			Stage:       manifest.StageRaw,
			CaptureID:   capture,
			RecordCount: int64(total),
			ValidCount:  int64(len(records)),
			NullRate:    float64(unnamed) / float64(len(records)),
			Metrics: map[string]float64{
				"distinct_symbols": float64(len(symbols)),
				"total_shares":     float64(totalShares),
				"reject_count":     float64(len(rejects)),
			},
			Passed: true,
		}
		if rejectRate > maxRejectRate {
			quality.Passed = false
			quality.FailureReasons = []string{
				fmt.Sprintf("reject rate %.2f exceeds %.2f", rejectRate, maxRejectRate),
			}
		}
		if err := deps.Manifests.RecordQuality(ctx, quality); err != nil {
			return pipeline.Result{}, err
		}

		return pipeline.Completed(capture, inserted).
			WithMetric("rejects", float64(len(rejects))).
			WithMetric("distinct_symbols", float64(len(symbols))), nil
	})
}

// requireParam fetches a required string param, shaping the miss as a
// configuration error.
func requireParam(params pipeline.Params, key string) (string, error) {
	val, err := params.GetString(key)
	if err != nil {
		return "", &errors.ValidationError{Field: key, Message: err.Error()}
	}
	if val == "" {
		return "", &errors.ValidationError{Field: key, Message: "must not be empty"}
	}
	return val, nil
}

// requireCapture fetches and validates the capture id param.
func requireCapture(params pipeline.Params) (partition.CaptureID, error) {
	raw, err := requireParam(params, pipeline.KeyCaptureID)
	if err != nil {
		return "", err
	}
	capture := partition.CaptureID(raw)
	if err := capture.Validate(); err != nil {
		return "", err
	}
	return capture, nil
}

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

package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/pipeline"
)

// bar is one parsed trading day.
type bar struct {
	Date   string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// dailyPayload mirrors the upstream JSON envelope. Only the series
// matters here; the API fetcher already rejected error envelopes.
type dailyPayload struct {
	Series map[string]map[string]string `json:"Time Series (Daily)"`
}

// seriesFields maps upstream field labels to bar positions.
var seriesFields = [...]string{"1. open", "2. high", "3. low", "4. close", "5. volume"}

// parseDailySeries decodes the JSON time series into bars sorted by
// date ascending, rejecting malformed dates and non-numeric fields.
func parseDailySeries(content string) ([]bar, []manifest.Reject, error) {
	var payload dailyPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, nil, errors.WithCategory(
			errors.Wrap(err, "daily series is not valid JSON"),
			errors.CategoryDataQuality,
		)
	}

	var (
		bars    []bar
		rejects []manifest.Reject
	)
	for date, fields := range payload.Series {
		reject := func(reason string) {
			rejects = append(rejects, manifest.Reject{
				Record: map[string]any{"date": date},
				Reason: reason,
			})
		}
		if _, err := time.ParseInLocation(dayLayout, date, time.UTC); err != nil {
			reject(fmt.Sprintf("invalid date key %q", date))
			continue
		}
		values := make([]float64, len(seriesFields))
		ok := true
		for i, label := range seriesFields {
			raw, present := fields[label]
			if !present {
				reject(fmt.Sprintf("missing field %q", label))
				ok = false
				break
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				reject(fmt.Sprintf("field %q is not numeric", label))
				ok = false
				break
			}
			values[i] = v
		}
		if !ok {
			continue
		}
		bars = append(bars, bar{
			Date:   date,
			Open:   values[0],
			High:   values[1],
			Low:    values[2],
			Close:  values[3],
			Volume: int64(values[4]),
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars, rejects, nil
}

// ingestFactory builds the ingest pipeline: parse one symbol's daily
// series, replace the capture's rows, and record manifest, rejects,
// and quality for the symbol partition.
func ingestFactory(deps Deps) pipeline.Factory {
	return pipeline.NewFactory(PipelineIngest, func(ctx context.Context, execCtx execution.Context, params pipeline.Params) (pipeline.Result, error) {
		symbol, err := requireParam(params, partition.DimSymbol)
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

		key := partition.Key{partition.DimSymbol: symbol}
		bars, rejects, err := parseDailySeries(content)
		if err != nil {
			return pipeline.Result{}, err
		}

		if len(bars) == 0 {
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
				FailureReasons: []string{"empty daily series"},
			}); err != nil {
				return pipeline.Result{}, err
			}
			return pipeline.Result{}, errors.WithCategory(
				errors.New(fmt.Sprintf("symbol %s: empty daily series", symbol)),
				errors.CategoryDataQuality,
			)
		}

		rows := make([][]any, 0, len(bars))
		for _, b := range bars {
			rows = append(rows, []any{
				symbol, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume,
				string(capture),
			})
		}
		inserted, err := deps.DB.ReplaceCapture(ctx, TableDailyBars, string(capture), dailyBarColumns, rows)
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

		latest := bars[len(bars)-1]
		quality := manifest.QualityReport{
			Domain:      Domain,
			Pipeline:    PipelineIngest,
			Partition:   key,
			Stage:       manifest.StageRaw,
			CaptureID:   capture,
			RecordCount: int64(len(bars) + len(rejects)),
			ValidCount:  int64(len(bars)),
			Metrics: map[string]float64{
				"trading_days": float64(len(bars)),
				"latest_close": latest.Close,
			},
			Passed: true,
		}
		if len(rejects) > 0 {
			quality.Passed = false
			quality.FailureReasons = []string{fmt.Sprintf("%d malformed bars", len(rejects))}
		}
		if err := deps.Manifests.RecordQuality(ctx, quality); err != nil {
			return pipeline.Result{}, err
		}

		return pipeline.Completed(capture, inserted).
			WithMetric("trading_days", float64(len(bars))).
			WithMetric("latest_close", latest.Close), nil
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

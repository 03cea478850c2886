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

package schedule

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/marketspine/spine/pkg/dispatch"
	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/metrics"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/pipeline"
	"github.com/marketspine/spine/pkg/source"
)

// PricePlan declares the per-symbol price ingest.
type PricePlan struct {
	// Domain defaults to "prices".
	Domain string

	// Fetcher obtains the price payload for one symbol.
	Fetcher source.Fetcher

	// IngestPipeline runs once per symbol.
	IngestPipeline string
}

// PriceOptions select and shape one price wave. Invalid combinations
// come back from RunPrices as validation errors so the CLI can map
// them to the configuration exit code.
type PriceOptions struct {
	// Symbols is the explicit symbol list. Wins over CSV and file.
	Symbols []string

	// SymbolsCSV is a comma-separated symbol list, typically a flag
	// value.
	SymbolsCSV string

	// SymbolsFile is a path to a symbols file, one per line with #
	// comments.
	SymbolsFile string

	// OutputSize is the fetch depth: compact or full. Empty means
	// compact.
	OutputSize string

	// Sleep is the minimum spacing between symbol fetches. Zero
	// disables rate limiting.
	Sleep time.Duration

	// Force bypasses revision detection.
	Force bool

	// DryRun plans the wave without fetching, dispatching, or writing.
	DryRun bool

	// FailFast stops the wave at the first failed symbol.
	FailFast bool
}

// RunPrices ingests one partition per symbol, serially, spacing
// fetches with the rate limiter. Same error split as Run: pre-flight
// problems return an error, per-symbol failures land in the report.
func (s *Scheduler) RunPrices(ctx context.Context, plan PricePlan, opts PriceOptions) (*Report, error) {
	if plan.Domain == "" {
		plan.Domain = "prices"
	}
	if plan.Fetcher == nil {
		return nil, &errors.ValidationError{Field: "fetcher", Message: "price fetcher is required"}
	}
	if plan.IngestPipeline == "" {
		return nil, &errors.ValidationError{Field: "ingest_pipeline", Message: "ingest pipeline is required"}
	}
	symbols, err := resolveSymbols(opts)
	if err != nil {
		return nil, err
	}
	size := opts.OutputSize
	if size == "" {
		size = "compact"
	}
	if size != "compact" && size != "full" {
		return nil, &errors.ValidationError{
			Field:      "outputsize",
			Message:    fmt.Sprintf("unknown output size %q", opts.OutputSize),
			Suggestion: "use compact or full",
		}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Sleep > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.Sleep), 1)
	}

	batch := execution.NewBatchID("sched_" + plan.Domain)
	report := &Report{
		Domain:    plan.Domain,
		BatchID:   batch,
		Targets:   symbols,
		DryRun:    opts.DryRun,
		StartedAt: s.now().UTC(),
	}

	ctx, span := s.tracer.Start(ctx, "schedule.prices: "+plan.Domain, trace.WithAttributes(
		attribute.String("schedule.domain", plan.Domain),
		attribute.String("schedule.batch_id", batch),
		attribute.Int("schedule.symbols", len(symbols)),
		attribute.Bool("schedule.dry_run", opts.DryRun),
	))
	defer span.End()

	logger := s.logger.With("domain", plan.Domain, "batch_id", batch)
	logger.Info("price wave started",
		"symbols", len(symbols),
		"outputsize", size,
		"dry_run", opts.DryRun,
	)

	for _, symbol := range symbols {
		if ctx.Err() != nil {
			report.Halted = true
			break
		}
		res := s.priceOne(ctx, plan, opts, limiter, batch, symbol, size)
		metrics.RecordSchedulerPartition(plan.Domain, string(PhaseIngest), string(res.Outcome))
		if res.Outcome == OutcomeFailed {
			logger.Warn("symbol failed", "symbol", symbol, "error", res.Error)
		} else {
			logger.Info("symbol processed", "symbol", symbol, "outcome", res.Outcome)
		}
		report.Results = append(report.Results, res)
		if opts.FailFast && res.Outcome == OutcomeFailed {
			report.Halted = true
			logger.Warn("wave halted", "symbol", symbol)
			break
		}
	}

	report.CompletedAt = s.now().UTC()
	logger.Info("price wave finished",
		"results", len(report.Results),
		"exit_code", report.ExitCode(),
		"halted", report.Halted,
	)
	return report, nil
}

func (s *Scheduler) priceOne(ctx context.Context, plan PricePlan, opts PriceOptions, limiter *rate.Limiter, batch, symbol, size string) (res PartitionResult) {
	start := s.now()
	defer func() { res.Duration = s.now().Sub(start) }()

	key := partition.Key{partition.DimSymbol: symbol}
	res = PartitionResult{
		Phase:     PhaseIngest,
		Symbol:    symbol,
		Pipeline:  plan.IngestPipeline,
		Partition: key,
		Outcome:   OutcomeFailed,
	}

	if opts.DryRun {
		res.Outcome = OutcomePlanned
		res.Detail = "would fetch and ingest"
		return res
	}

	if err := limiter.Wait(ctx); err != nil {
		res.Error = fmt.Sprintf("rate limit: %v", err)
		return res
	}

	payload, err := plan.Fetcher.Fetch(ctx, source.Request{
		Domain:     plan.Domain,
		Dimensions: map[string]string{partition.DimSymbol: symbol},
		Options:    map[string]string{"outputsize": size},
	})
	if err != nil {
		metrics.RecordSourceFetch(plan.Domain, "error")
		res.Error = fmt.Sprintf("fetch: %v", err)
		s.recordAnomaly(ctx, plan.Domain, plan.IngestPipeline, key, res.Error, errors.CategoryOf(err))
		return res
	}
	metrics.RecordSourceFetch(plan.Domain, "ok")

	hash := partition.ContentHash(payload.Content)
	res.ContentHash = hash
	prev, err := s.manifests.LatestContentHash(ctx, plan.Domain, plan.IngestPipeline, key, manifest.StageRaw)
	if err != nil {
		res.Error = fmt.Sprintf("manifest lookup: %v", err)
		return res
	}
	if prev != "" && prev == hash && !opts.Force {
		res.Outcome = OutcomeUnchanged
		return res
	}

	capture := partition.NewCaptureID(plan.Domain, key, s.now().UTC())
	params := pipeline.Params{
		"symbol":                  symbol,
		pipeline.KeySourceContent: string(payload.Content),
		pipeline.KeyContentHash:   hash,
		pipeline.KeyCaptureID:     string(capture),
	}
	if opts.Force {
		params[pipeline.KeyForce] = true
	}
	exec, err := s.dispatcher.Submit(ctx, plan.IngestPipeline, params,
		dispatch.WithTrigger(execution.TriggerScheduler),
		dispatch.WithBatchID(batch),
	)
	if err != nil {
		res.Error = err.Error()
		s.recordAnomaly(ctx, plan.Domain, plan.IngestPipeline, key, res.Error, errors.CategoryOf(err))
		return res
	}
	if exec.Failed() {
		res.Error = exec.Result.Error
		s.recordAnomaly(ctx, plan.Domain, plan.IngestPipeline, key, exec.Result.Error, exec.Result.Category)
		return res
	}
	if exec.Result.Status == pipeline.StatusSkipped {
		res.Outcome = OutcomeSkipped
		res.Detail = exec.Result.Error
		return res
	}
	res.Outcome = OutcomeIngested
	res.CaptureID = exec.Result.CaptureID
	if res.CaptureID == "" {
		res.CaptureID = capture
	}
	res.RowCount = exec.Result.RowCount
	return res
}

// resolveSymbols merges the symbol inputs: the explicit list wins,
// then the CSV flag, then the file. Symbols are trimmed, uppercased,
// and deduplicated preserving order; blank lines and # comments are
// dropped.
func resolveSymbols(opts PriceOptions) ([]string, error) {
	var raw []string
	switch {
	case len(opts.Symbols) > 0:
		raw = opts.Symbols
	case opts.SymbolsCSV != "":
		raw = strings.Split(opts.SymbolsCSV, ",")
	case opts.SymbolsFile != "":
		data, err := os.ReadFile(opts.SymbolsFile)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "symbols-file",
				Message: fmt.Sprintf("read %s: %v", opts.SymbolsFile, err),
			}
		}
		raw = strings.Split(string(data), "\n")
	}

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		sym := strings.ToUpper(strings.TrimSpace(r))
		if sym == "" || strings.HasPrefix(sym, "#") {
			continue
		}
		if seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	if len(out) == 0 {
		return nil, &errors.ValidationError{
			Field:      "symbols",
			Message:    "no symbols to process",
			Suggestion: "pass --symbols or --symbols-file",
		}
	}
	return out, nil
}

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

// Package schedule drives periodic multi-week processing in phases:
// select recent period ends, ingest each (week, tier) partition with
// content-hash revision detection, normalize and compute what landed,
// then judge per-week readiness. Partition failures are isolated as
// anomalies and the report's exit code tells partial from total
// failure.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/pkg/dispatch"
	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/execution"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/metrics"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/period"
	"github.com/marketspine/spine/pkg/pipeline"
	"github.com/marketspine/spine/pkg/source"
)

// weekLayout is the canonical week_ending dimension value. Display
// formatting belongs to the period strategy; key values never vary.
const weekLayout = "2006-01-02"

// DomainPlan declares what the scheduler runs for one domain: the
// period calendar, the tiers, the fetchers, and the pipeline per
// phase. Plans are assembled at startup from the domain packages.
type DomainPlan struct {
	// Domain is the owning data domain.
	Domain string

	// Period supplies the domain's period-end calendar.
	Period period.Strategy

	// PeriodStep is the distance between consecutive period ends.
	// Zero means weekly.
	PeriodStep time.Duration

	// Tiers is the second partition dimension. Each (week, tier) pair
	// is one ingest unit.
	Tiers []string

	// Fetchers maps source names ("file", "api") to fetchers.
	Fetchers map[string]source.Fetcher

	// DefaultSource names the fetcher used when the options name none.
	DefaultSource string

	// IngestPipeline runs in phase 1 for every (week, tier).
	IngestPipeline string

	// NormalizePipeline runs in phase 2. Empty skips the phase.
	NormalizePipeline string

	// CalcPipelines run in phase 3 for every week that passes the
	// tier-completeness gate. Each receives the week-only partition.
	CalcPipelines []string

	// TierStages are the stages readiness requires per (week, tier).
	// Nil means RAW, plus NORMALIZED when the plan normalizes.
	TierStages []manifest.Stage
}

// Validate checks the plan is runnable.
func (p DomainPlan) Validate() error {
	if p.Domain == "" {
		return &errors.ValidationError{Field: "domain", Message: "domain is required"}
	}
	if p.Period == nil {
		return &errors.ValidationError{Field: "period", Message: "period strategy is required"}
	}
	if p.IngestPipeline == "" {
		return &errors.ValidationError{Field: "ingest_pipeline", Message: "ingest pipeline is required"}
	}
	if len(p.Tiers) == 0 {
		return &errors.ValidationError{Field: "tiers", Message: "at least one tier is required"}
	}
	return nil
}

// requiredStages resolves the stages readiness demands per tier.
func (p DomainPlan) requiredStages() []manifest.Stage {
	if len(p.TierStages) > 0 {
		return p.TierStages
	}
	stages := []manifest.Stage{manifest.StageRaw}
	if p.NormalizePipeline != "" {
		stages = append(stages, manifest.StageNormalized)
	}
	return stages
}

// Options select and shape one scheduler wave.
type Options struct {
	// LookbackWeeks is how many recent period ends to process when
	// Weeks is empty.
	LookbackWeeks int

	// Weeks lists explicit period ends (YYYY-MM-DD), used verbatim.
	Weeks []string

	// Tiers restricts the wave to a subset of the plan's tiers. The
	// calc gate and readiness still require the plan's full tier set.
	Tiers []string

	// Source picks the fetcher by name. Empty uses the plan default.
	Source string

	// Force bypasses revision detection: always capture and replace.
	Force bool

	// DryRun plans every phase without fetching, dispatching, or
	// writing.
	DryRun bool

	// OnlyPhase limits the wave to one phase: ingest, normalize, or
	// calc. Empty or "all" runs everything including readiness.
	OnlyPhase string

	// FailFast stops the wave at the first failed partition.
	FailFast bool

	// MaxConcurrency bounds within-phase parallelism. Zero or one
	// processes partitions serially.
	MaxConcurrency int

	// FetchOptions passes fetcher-specific knobs through.
	FetchOptions map[string]string
}

const phaseAll = "all"

// Scheduler runs phased waves against the manifest ledger. Safe for
// concurrent use; each Run is independent.
type Scheduler struct {
	dispatcher *dispatch.Dispatcher
	manifests  *manifest.Store
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithTracer sets the tracer used for wave and phase spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracer }
}

// WithNowFunc overrides the clock for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a Scheduler over a dispatcher and a manifest store.
func New(d *dispatch.Dispatcher, manifests *manifest.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatcher: d,
		manifests:  manifests,
		logger:     slog.Default(),
		tracer:     otel.Tracer("spine/schedule"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithComponent(s.logger, "schedule")
	return s
}

// Run executes one wave for the plan. The error return covers
// pre-flight problems only: invalid plan, unknown tier or source, bad
// week list. Once phases start, partition failures land in the report
// as FAILED results plus anomaly rows, and drive the report's exit
// code instead.
func (s *Scheduler) Run(ctx context.Context, plan DomainPlan, opts Options) (*Report, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	only, err := normalizeOnlyPhase(opts.OnlyPhase)
	if err != nil {
		return nil, err
	}
	if only == string(PhaseNormalize) && plan.NormalizePipeline == "" {
		return nil, &errors.ValidationError{
			Field:   "only-stage",
			Message: fmt.Sprintf("domain %s has no normalize pipeline", plan.Domain),
		}
	}
	if only == string(PhaseCalc) && len(plan.CalcPipelines) == 0 {
		return nil, &errors.ValidationError{
			Field:   "only-stage",
			Message: fmt.Sprintf("domain %s has no calc pipelines", plan.Domain),
		}
	}
	tiers, err := selectTiers(plan, opts)
	if err != nil {
		return nil, err
	}
	var fetcher source.Fetcher
	if only == phaseAll || only == string(PhaseIngest) {
		fetcher, err = selectFetcher(plan, opts)
		if err != nil {
			return nil, err
		}
	}
	step := plan.PeriodStep
	if step <= 0 {
		step = 7 * 24 * time.Hour
	}
	weeks, err := s.selectWeeks(plan, opts, step)
	if err != nil {
		return nil, err
	}
	maxConc := opts.MaxConcurrency
	if maxConc < 1 {
		maxConc = 1
	}

	batch := execution.NewBatchID("sched_" + plan.Domain)
	report := &Report{
		Domain:    plan.Domain,
		BatchID:   batch,
		DryRun:    opts.DryRun,
		StartedAt: s.now().UTC(),
	}
	for _, w := range weeks {
		report.Targets = append(report.Targets, w.Format(weekLayout))
	}

	ctx, span := s.tracer.Start(ctx, "schedule.run: "+plan.Domain, trace.WithAttributes(
		attribute.String("schedule.domain", plan.Domain),
		attribute.String("schedule.batch_id", batch),
		attribute.Int("schedule.weeks", len(weeks)),
		attribute.Bool("schedule.dry_run", opts.DryRun),
	))
	defer span.End()

	logger := s.logger.With("domain", plan.Domain, "batch_id", batch)
	logger.Info("schedule wave started",
		"weeks", len(weeks),
		"tiers", len(tiers),
		"only", only,
		"force", opts.Force,
		"dry_run", opts.DryRun,
	)

	runPhase := func(phase Phase, items []func(context.Context) []PartitionResult) {
		if report.Halted {
			return
		}
		pctx, pspan := s.tracer.Start(ctx, "schedule."+string(phase)+": "+plan.Domain,
			trace.WithAttributes(attribute.Int("schedule.partitions", len(items))))
		results, halted := runBounded(pctx, items, maxConc, opts.FailFast)
		pspan.End()
		for _, r := range results {
			metrics.RecordSchedulerPartition(plan.Domain, string(phase), string(r.Outcome))
			if r.Outcome == OutcomeFailed {
				logger.Warn("partition failed",
					"phase", phase,
					"partition", r.Partition.String(),
					"pipeline", r.Pipeline,
					"error", r.Error,
				)
			} else {
				logger.Info("partition processed",
					"phase", phase,
					"partition", r.Partition.String(),
					"outcome", r.Outcome,
				)
			}
		}
		report.Results = append(report.Results, results...)
		if halted {
			report.Halted = true
			logger.Warn("wave halted", "phase", phase)
		}
	}

	if only == phaseAll || only == string(PhaseIngest) {
		var items []func(context.Context) []PartitionResult
		for _, week := range weeks {
			for _, tier := range tiers {
				items = append(items, func(c context.Context) []PartitionResult {
					return []PartitionResult{s.ingestOne(c, plan, opts, fetcher, batch, week, tier)}
				})
			}
		}
		runPhase(PhaseIngest, items)
	}

	if (only == phaseAll || only == string(PhaseNormalize)) && plan.NormalizePipeline != "" {
		var items []func(context.Context) []PartitionResult
		for _, week := range weeks {
			for _, tier := range tiers {
				items = append(items, func(c context.Context) []PartitionResult {
					return []PartitionResult{s.normalizeOne(c, plan, opts, batch, week, tier)}
				})
			}
		}
		runPhase(PhaseNormalize, items)
	}

	if (only == phaseAll || only == string(PhaseCalc)) && len(plan.CalcPipelines) > 0 {
		var items []func(context.Context) []PartitionResult
		for _, week := range weeks {
			items = append(items, func(c context.Context) []PartitionResult {
				return s.calcWeek(c, plan, opts, batch, week)
			})
		}
		runPhase(PhaseCalc, items)
	}

	if only == phaseAll {
		var items []func(context.Context) []PartitionResult
		for _, week := range weeks {
			items = append(items, func(c context.Context) []PartitionResult {
				return []PartitionResult{s.readinessWeek(c, plan, opts, week)}
			})
		}
		runPhase(PhaseReadiness, items)
	}

	report.CompletedAt = s.now().UTC()
	logger.Info("schedule wave finished",
		"results", len(report.Results),
		"exit_code", report.ExitCode(),
		"halted", report.Halted,
	)
	return report, nil
}

// ingestOne fetches one (week, tier) partition, compares the content
// hash against the latest RAW capture, and dispatches the ingest
// pipeline unless the source is unchanged.
func (s *Scheduler) ingestOne(ctx context.Context, plan DomainPlan, opts Options, fetcher source.Fetcher, batch string, week time.Time, tier string) (res PartitionResult) {
	start := s.now()
	defer func() { res.Duration = s.now().Sub(start) }()

	weekStr := week.Format(weekLayout)
	key := partition.Key{partition.DimWeekEnding: weekStr, partition.DimTier: tier}
	res = PartitionResult{
		Phase:     PhaseIngest,
		Week:      weekStr,
		Tier:      tier,
		Pipeline:  plan.IngestPipeline,
		Partition: key,
		Outcome:   OutcomeFailed,
	}

	if opts.DryRun {
		res.Outcome = OutcomePlanned
		res.Detail = "would fetch and ingest"
		return res
	}

	payload, err := fetcher.Fetch(ctx, source.Request{
		Domain:     plan.Domain,
		Dimensions: map[string]string{partition.DimWeekEnding: weekStr, partition.DimTier: tier},
		Options:    opts.FetchOptions,
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
		pipeline.KeyWeekEnding:    weekStr,
		pipeline.KeyTier:          tier,
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

// normalizeOne dispatches the normalize pipeline for one (week, tier)
// that has RAW data, carrying the RAW capture forward.
func (s *Scheduler) normalizeOne(ctx context.Context, plan DomainPlan, opts Options, batch string, week time.Time, tier string) (res PartitionResult) {
	start := s.now()
	defer func() { res.Duration = s.now().Sub(start) }()

	weekStr := week.Format(weekLayout)
	key := partition.Key{partition.DimWeekEnding: weekStr, partition.DimTier: tier}
	res = PartitionResult{
		Phase:     PhaseNormalize,
		Week:      weekStr,
		Tier:      tier,
		Pipeline:  plan.NormalizePipeline,
		Partition: key,
		Outcome:   OutcomeFailed,
	}

	if opts.DryRun {
		res.Outcome = OutcomePlanned
		res.Detail = "would normalize"
		return res
	}

	raw, err := s.manifests.Query(ctx, plan.Domain, key, manifest.StageRaw)
	if err != nil {
		res.Error = fmt.Sprintf("manifest lookup: %v", err)
		return res
	}
	if raw == nil {
		res.Outcome = OutcomeSkipped
		res.Detail = "no RAW data"
		return res
	}

	params := pipeline.Params{
		pipeline.KeyWeekEnding: weekStr,
		pipeline.KeyTier:       tier,
		pipeline.KeyCaptureID:  string(raw.CaptureID),
	}
	exec, err := s.dispatcher.Submit(ctx, plan.NormalizePipeline, params,
		dispatch.WithTrigger(execution.TriggerScheduler),
		dispatch.WithBatchID(batch),
	)
	if err != nil {
		res.Error = err.Error()
		s.recordAnomaly(ctx, plan.Domain, plan.NormalizePipeline, key, res.Error, errors.CategoryOf(err))
		return res
	}
	if exec.Failed() {
		res.Error = exec.Result.Error
		s.recordAnomaly(ctx, plan.Domain, plan.NormalizePipeline, key, exec.Result.Error, exec.Result.Category)
		return res
	}
	if exec.Result.Status == pipeline.StatusSkipped {
		res.Outcome = OutcomeSkipped
		res.Detail = exec.Result.Error
		return res
	}
	res.Outcome = OutcomeNormalized
	res.CaptureID = exec.Result.CaptureID
	if res.CaptureID == "" {
		res.CaptureID = raw.CaptureID
	}
	res.RowCount = exec.Result.RowCount
	return res
}

// calcWeek gates one week on tier completeness and dispatches each
// calc pipeline with the week-only partition. The gate requires the
// plan's full tier set so a filtered wave never computes from partial
// data.
func (s *Scheduler) calcWeek(ctx context.Context, plan DomainPlan, opts Options, batch string, week time.Time) []PartitionResult {
	weekStr := week.Format(weekLayout)
	weekKey := partition.Key{partition.DimWeekEnding: weekStr}

	if opts.DryRun {
		out := make([]PartitionResult, 0, len(plan.CalcPipelines))
		for _, name := range plan.CalcPipelines {
			out = append(out, PartitionResult{
				Phase:     PhaseCalc,
				Week:      weekStr,
				Pipeline:  name,
				Partition: weekKey,
				Outcome:   OutcomePlanned,
				Detail:    "would compute",
			})
		}
		return out
	}

	gate := manifest.StageNormalized
	if plan.NormalizePipeline == "" {
		gate = manifest.StageRaw
	}
	var missing []string
	for _, tier := range plan.Tiers {
		key := partition.Key{partition.DimWeekEnding: weekStr, partition.DimTier: tier}
		entry, err := s.manifests.Query(ctx, plan.Domain, key, gate)
		if err != nil {
			return []PartitionResult{{
				Phase:     PhaseCalc,
				Week:      weekStr,
				Partition: weekKey,
				Outcome:   OutcomeFailed,
				Error:     fmt.Sprintf("manifest lookup: %v", err),
			}}
		}
		if entry == nil {
			missing = append(missing, tier)
		}
	}
	if len(missing) > 0 {
		return []PartitionResult{{
			Phase:     PhaseCalc,
			Week:      weekStr,
			Partition: weekKey,
			Outcome:   OutcomeSkipped,
			Detail:    fmt.Sprintf("tiers %s missing %s", strings.Join(missing, ", "), gate),
		}}
	}

	out := make([]PartitionResult, 0, len(plan.CalcPipelines))
	for _, name := range plan.CalcPipelines {
		r := PartitionResult{
			Phase:     PhaseCalc,
			Week:      weekStr,
			Pipeline:  name,
			Partition: weekKey,
			Outcome:   OutcomeFailed,
		}
		start := s.now()
		exec, err := s.dispatcher.Submit(ctx, name, pipeline.Params{pipeline.KeyWeekEnding: weekStr},
			dispatch.WithTrigger(execution.TriggerScheduler),
			dispatch.WithBatchID(batch),
		)
		switch {
		case err != nil:
			r.Error = err.Error()
			s.recordAnomaly(ctx, plan.Domain, name, weekKey, r.Error, errors.CategoryOf(err))
		case exec.Failed():
			r.Error = exec.Result.Error
			s.recordAnomaly(ctx, plan.Domain, name, weekKey, exec.Result.Error, exec.Result.Category)
		case exec.Result.Status == pipeline.StatusSkipped:
			r.Outcome = OutcomeSkipped
			r.Detail = exec.Result.Error
		default:
			r.Outcome = OutcomeComputed
			r.CaptureID = exec.Result.CaptureID
			r.RowCount = exec.Result.RowCount
		}
		r.Duration = s.now().Sub(start)
		out = append(out, r)
	}
	return out
}

// readinessWeek evaluates whether downstream consumers may see one
// week: every tier at its required stages, every calc computed, and no
// blocking anomaly on any tier key or on the week key. The judgment is
// upserted to the readiness table either way.
func (s *Scheduler) readinessWeek(ctx context.Context, plan DomainPlan, opts Options, week time.Time) (res PartitionResult) {
	start := s.now()
	defer func() { res.Duration = s.now().Sub(start) }()

	weekStr := week.Format(weekLayout)
	weekKey := partition.Key{partition.DimWeekEnding: weekStr}
	res = PartitionResult{
		Phase:     PhaseReadiness,
		Week:      weekStr,
		Partition: weekKey,
		Outcome:   OutcomeFailed,
	}

	if opts.DryRun {
		res.Outcome = OutcomePlanned
		res.Detail = "would evaluate readiness"
		return res
	}

	stages := plan.requiredStages()
	var issues []string
	for _, tier := range plan.Tiers {
		key := partition.Key{partition.DimWeekEnding: weekStr, partition.DimTier: tier}
		complete, err := s.manifests.StagesComplete(ctx, plan.Domain, key, stages)
		if err != nil {
			res.Error = fmt.Sprintf("stage check: %v", err)
			return res
		}
		if !complete {
			issues = append(issues, fmt.Sprintf("tier %s: stages incomplete", tier))
		}
		blocked, err := s.manifests.HasBlockingAnomalies(ctx, plan.Domain, key)
		if err != nil {
			res.Error = fmt.Sprintf("anomaly check: %v", err)
			return res
		}
		if blocked {
			issues = append(issues, fmt.Sprintf("tier %s: blocking anomaly", tier))
		}
	}
	for _, name := range plan.CalcPipelines {
		entry, err := s.manifests.QueryPipeline(ctx, plan.Domain, name, weekKey, manifest.StageComputed)
		if err != nil {
			res.Error = fmt.Sprintf("calc check: %v", err)
			return res
		}
		if entry == nil {
			issues = append(issues, fmt.Sprintf("calc %s: not computed", name))
		}
	}
	blocked, err := s.manifests.HasBlockingAnomalies(ctx, plan.Domain, weekKey)
	if err != nil {
		res.Error = fmt.Sprintf("anomaly check: %v", err)
		return res
	}
	if blocked {
		issues = append(issues, "blocking anomaly on week")
	}

	if err := s.manifests.UpsertReadiness(ctx, manifest.Readiness{
		Domain:         plan.Domain,
		Partition:      weekKey,
		IsReady:        len(issues) == 0,
		BlockingIssues: issues,
		EvaluatedAt:    s.now().UTC(),
	}); err != nil {
		res.Error = fmt.Sprintf("readiness upsert: %v", err)
		return res
	}

	if len(issues) == 0 {
		res.Outcome = OutcomeReady
	} else {
		res.Outcome = OutcomeBlocked
		res.Detail = strings.Join(issues, "; ")
	}
	return res
}

// recordAnomaly writes an ERROR anomaly for a failed partition. A
// failure to record is logged and swallowed; the partition result
// already carries the original error.
func (s *Scheduler) recordAnomaly(ctx context.Context, domain, pipelineName string, key partition.Key, msg string, category errors.Category) {
	_, err := s.manifests.RecordAnomaly(ctx, manifest.Anomaly{
		Domain:    domain,
		Pipeline:  pipelineName,
		Partition: key,
		Severity:  manifest.SeverityError,
		Category:  category,
		Message:   msg,
	})
	if err != nil {
		s.logger.Warn("anomaly record failed",
			"domain", domain,
			"partition", key.String(),
			"error", err,
		)
	}
}

// selectWeeks resolves the wave's target period ends: the explicit
// list validated against the period strategy, or the lookback window
// walked through it.
func (s *Scheduler) selectWeeks(plan DomainPlan, opts Options, step time.Duration) ([]time.Time, error) {
	if len(opts.Weeks) > 0 {
		out := make([]time.Time, 0, len(opts.Weeks))
		for _, w := range opts.Weeks {
			d, err := time.Parse(weekLayout, w)
			if err != nil {
				return nil, &errors.ValidationError{
					Field:      "weeks",
					Message:    fmt.Sprintf("invalid week %q", w),
					Suggestion: "use YYYY-MM-DD",
				}
			}
			if err := plan.Period.ValidateDate(d); err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	}
	if opts.LookbackWeeks <= 0 {
		return nil, &errors.ValidationError{
			Field:   "lookback-weeks",
			Message: "lookback must be positive when no explicit weeks are given",
		}
	}
	return period.LastN(plan.Period, s.now().UTC(), opts.LookbackWeeks, step), nil
}

func selectTiers(plan DomainPlan, opts Options) ([]string, error) {
	if len(opts.Tiers) == 0 {
		return plan.Tiers, nil
	}
	known := make(map[string]bool, len(plan.Tiers))
	for _, t := range plan.Tiers {
		known[t] = true
	}
	for _, t := range opts.Tiers {
		if !known[t] {
			return nil, &errors.ValidationError{
				Field:      "tiers",
				Message:    fmt.Sprintf("unknown tier %q for domain %s", t, plan.Domain),
				Suggestion: "known tiers: " + strings.Join(plan.Tiers, ", "),
			}
		}
	}
	return opts.Tiers, nil
}

func selectFetcher(plan DomainPlan, opts Options) (source.Fetcher, error) {
	name := opts.Source
	if name == "" {
		name = plan.DefaultSource
	}
	f, ok := plan.Fetchers[name]
	if !ok || f == nil {
		names := make([]string, 0, len(plan.Fetchers))
		for n := range plan.Fetchers {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, &errors.ValidationError{
			Field:      "source",
			Message:    fmt.Sprintf("unknown source %q for domain %s", name, plan.Domain),
			Suggestion: "available sources: " + strings.Join(names, ", "),
		}
	}
	return f, nil
}

func normalizeOnlyPhase(s string) (string, error) {
	switch s {
	case "", phaseAll:
		return phaseAll, nil
	case string(PhaseIngest), string(PhaseNormalize), string(PhaseCalc):
		return s, nil
	}
	return "", &errors.ValidationError{
		Field:      "only-stage",
		Message:    fmt.Sprintf("unknown stage %q", s),
		Suggestion: "use ingest, normalize, calc, or all",
	}
}

// runBounded executes the phase items with at most maxConcurrency in
// flight, collecting results in item order. With fail-fast set, the
// first failed item cancels the rest of the phase; items that never
// ran contribute no results. Serial execution keeps deterministic
// order so fail-fast stops exactly at the failure.
func runBounded(ctx context.Context, items []func(context.Context) []PartitionResult, maxConcurrency int, failFast bool) ([]PartitionResult, bool) {
	if len(items) == 0 {
		return nil, false
	}
	if maxConcurrency <= 1 {
		var out []PartitionResult
		for _, fn := range items {
			if ctx.Err() != nil {
				return out, true
			}
			res := fn(ctx)
			out = append(out, res...)
			if failFast && anyFailed(res) {
				return out, true
			}
		}
		return out, false
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	slots := make([][]PartitionResult, len(items))
	var haltedFlag atomic.Bool
	for i, fn := range items {
		wg.Add(1)
		go func(i int, fn func(context.Context) []PartitionResult) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-pctx.Done():
				return
			}
			if pctx.Err() != nil {
				return
			}
			res := fn(pctx)
			slots[i] = res
			if failFast && anyFailed(res) {
				haltedFlag.Store(true)
				cancel()
			}
		}(i, fn)
	}
	wg.Wait()

	var out []PartitionResult
	for _, res := range slots {
		out = append(out, res...)
	}
	return out, haltedFlag.Load() || ctx.Err() != nil
}

func anyFailed(results []PartitionResult) bool {
	for _, r := range results {
		if r.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

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
	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/internal/domains/finra"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/schedule"
)

func newFinraCommand() *cobra.Command {
	var (
		lookbackWeeks int
		weeks         string
		tiers         string
		sourceName    string
		mode          string
		force         bool
		onlyStage     string
		failFast      bool
	)

	cmd := &cobra.Command{
		Use:   "finra",
		Short: "Process recent FINRA OTC transparency weeks",
		Long: `Process recent weekly OTC transparency publications.

Each wave selects recent Friday period ends, ingests every (week, tier)
partition with content-hash revision detection, normalizes and computes
what landed, then records per-week readiness. Revised files get a fresh
capture; unchanged files are skipped unless --force.`,
		Example: `  # Ingest, normalize, and compute the last 4 weeks from local files
  spine schedule finra --lookback-weeks 4

  # Re-pull two specific weeks from the download API
  spine schedule finra --weeks 2025-08-08,2025-08-15 --source api --force

  # Plan only, change nothing
  spine schedule finra --mode dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dryRun, err := parseMode(mode)
			if err != nil {
				return shared.NewInvalidInputError("invalid options", err)
			}

			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return shared.NewInvalidInputError("startup failed", err)
			}
			defer rt.Close()

			if lookbackWeeks <= 0 {
				lookbackWeeks = rt.Settings.Scheduler.LookbackWeeks
			}

			plan := schedule.DomainPlan{
				Domain:            finra.Domain,
				Period:            finra.Weekly(),
				PeriodStep:        finra.WeekStep,
				Tiers:             finra.Tiers(),
				Fetchers:          fetcherMap(rt.Registry, finra.Domain),
				DefaultSource:     "file",
				IngestPipeline:    finra.PipelineIngest,
				NormalizePipeline: finra.PipelineNormalize,
				CalcPipelines:     []string{finra.PipelineRolling},
				TierStages:        []manifest.Stage{manifest.StageRaw, manifest.StageNormalized},
			}

			opts := schedule.Options{
				LookbackWeeks:  lookbackWeeks,
				Weeks:          splitCSV(weeks),
				Tiers:          splitCSV(tiers),
				Source:         sourceName,
				Force:          force,
				DryRun:         dryRun,
				OnlyPhase:      onlyStage,
				FailFast:       failFast,
				MaxConcurrency: rt.Settings.Scheduler.MaxConcurrency,
			}

			sched := schedule.New(rt.Dispatcher, rt.Manifests, schedule.WithLogger(rt.Logger))
			report, err := sched.Run(ctx, plan, opts)
			if err != nil {
				// Pre-flight failure: nothing ran.
				return shared.NewInvalidInputError("schedule finra", err)
			}

			return emitReport(cmd, "schedule finra", report)
		},
	}

	cmd.Flags().IntVar(&lookbackWeeks, "lookback-weeks", 0, "How many recent weeks to process (default from settings)")
	cmd.Flags().StringVar(&weeks, "weeks", "", "Explicit week endings (YYYY-MM-DD, comma-separated; overrides lookback)")
	cmd.Flags().StringVar(&tiers, "tiers", "", "Restrict to these tiers (comma-separated)")
	cmd.Flags().StringVar(&sourceName, "source", "", "Fetcher to use: file or api (default file)")
	cmd.Flags().StringVar(&mode, "mode", "run", "run or dry-run")
	cmd.Flags().BoolVar(&force, "force", false, "Capture even when content is unchanged")
	cmd.Flags().StringVar(&onlyStage, "only-stage", "", "Limit the wave to one stage: ingest, normalize, calc, or all")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop at the first failed partition")

	return cmd
}

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
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/internal/domains/prices"
	pkgerrors "github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/schedule"
)

func newPricesCommand() *cobra.Command {
	var (
		symbols     string
		symbolsFile string
		sleep       float64
		outputSize  string
		mode        string
		force       bool
		failFast    bool
	)

	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Ingest daily price bars per symbol",
		Long: `Ingest daily price bars, one partition per symbol.

Symbols come from --symbols or --symbols-file (one per line, # for
comments). Fetches are spaced by --sleep to respect upstream rate
limits. A missing API key or base URL exits 3; per-symbol failures
exit 1 (some) or 2 (all).`,
		Example: `  # Three symbols, 12 seconds apart
  spine schedule prices --symbols AAPL,MSFT,NVDA --sleep 12

  # Everything in the watchlist, full history
  spine schedule prices --symbols-file watchlist.txt --outputsize full`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dryRun, err := parseMode(mode)
			if err != nil {
				return shared.NewInvalidInputError("invalid options", err)
			}

			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return classifyPricesError("startup failed", err)
			}
			defer rt.Close()

			fetchers := fetcherMap(rt.Registry, prices.Domain)
			fetcher := fetchers["api"]
			if fetcher == nil {
				return shared.NewConfigurationError(
					"prices fetcher is not configured",
					&pkgerrors.ConfigError{
						Key:    "sources.prices.base_url",
						Reason: "set the prices base URL in settings or SPINE_PRICES_BASE_URL",
					},
				)
			}

			plan := schedule.PricePlan{
				Domain:         prices.Domain,
				Fetcher:        fetcher,
				IngestPipeline: prices.PipelineIngest,
			}

			sleepDur := time.Duration(sleep * float64(time.Second))
			if sleepDur <= 0 {
				sleepDur = rt.Settings.Sources.Prices.Sleep
			}

			opts := schedule.PriceOptions{
				SymbolsCSV:  symbols,
				SymbolsFile: symbolsFile,
				OutputSize:  outputSize,
				Sleep:       sleepDur,
				Force:       force,
				DryRun:      dryRun,
				FailFast:    failFast,
			}

			sched := schedule.New(rt.Dispatcher, rt.Manifests, schedule.WithLogger(rt.Logger))
			report, err := sched.RunPrices(ctx, plan, opts)
			if err != nil {
				return classifyPricesError("schedule prices", err)
			}

			return emitReport(cmd, "schedule prices", report)
		},
	}

	cmd.Flags().StringVar(&symbols, "symbols", "", "Symbols to ingest (comma-separated)")
	cmd.Flags().StringVar(&symbolsFile, "symbols-file", "", "File with one symbol per line")
	cmd.Flags().Float64Var(&sleep, "sleep", 0, "Seconds between symbol fetches (default from settings)")
	cmd.Flags().StringVar(&outputSize, "outputsize", "compact", "Fetch depth: compact or full")
	cmd.Flags().StringVar(&mode, "mode", "run", "run or dry-run")
	cmd.Flags().BoolVar(&force, "force", false, "Capture even when content is unchanged")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop at the first failed symbol")

	return cmd
}

// classifyPricesError maps pre-flight failures to the price exit
// contract: configuration and credential problems exit 3, the rest of
// the invalid input exits 2.
func classifyPricesError(msg string, err error) error {
	var cfgErr *pkgerrors.ConfigError
	if errors.As(err, &cfgErr) {
		return shared.NewConfigurationError(msg, err)
	}
	var valErr *pkgerrors.ValidationError
	if errors.As(err, &valErr) {
		return shared.NewConfigurationError(msg, err)
	}
	return shared.NewInvalidInputError(msg, err)
}

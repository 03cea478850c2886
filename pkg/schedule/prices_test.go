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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/partition"
)

func pricePlan(fetcher *fakeFetcher) PricePlan {
	return PricePlan{
		Domain:         "prices",
		Fetcher:        fetcher,
		IngestPipeline: "prices.ingest_daily",
	}
}

func TestRunPrices_WaveAndRevisionSkip(t *testing.T) {
	env := newTestEnv(t)
	env.registerIngest(t, "prices.ingest_daily", "prices")
	fetcher := &fakeFetcher{name: "api"}
	ctx := context.Background()

	rep, err := env.scheduler.RunPrices(ctx, pricePlan(fetcher), PriceOptions{
		SymbolsCSV: "aapl, msft",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "MSFT"}, rep.Targets)
	assert.Equal(t, 2, rep.Counts()[OutcomeIngested])
	assert.Equal(t, 0, rep.ExitCode())
	assert.Equal(t, "AAPL", rep.Results[0].Symbol)
	assert.Equal(t, partition.NewCaptureID("prices",
		partition.Key{partition.DimSymbol: "AAPL"}, testNow), rep.Results[0].CaptureID)

	// Same content the second time around: nothing to do.
	rep2, err := env.scheduler.RunPrices(ctx, pricePlan(fetcher), PriceOptions{
		SymbolsCSV: "AAPL,MSFT",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rep2.Counts()[OutcomeUnchanged])
	assert.Equal(t, 2, env.dispatchCount("prices.ingest_daily"))
}

func TestRunPrices_SymbolsFromFile(t *testing.T) {
	env := newTestEnv(t)
	env.registerIngest(t, "prices.ingest_daily", "prices")
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "symbols.txt")
	require.NoError(t, os.WriteFile(path, []byte("# watchlist\naapl\n\nMSFT\naapl\n"), 0o644))

	rep, err := env.scheduler.RunPrices(ctx, pricePlan(&fakeFetcher{name: "api"}), PriceOptions{
		SymbolsFile: path,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, rep.Targets)
}

func TestRunPrices_FetchFailureRecordsAnomaly(t *testing.T) {
	env := newTestEnv(t)
	env.registerIngest(t, "prices.ingest_daily", "prices")
	fetcher := &fakeFetcher{
		name: "api",
		errs: map[string]error{"MSFT": fmt.Errorf("rate limited by upstream")},
	}
	ctx := context.Background()

	rep, err := env.scheduler.RunPrices(ctx, pricePlan(fetcher), PriceOptions{
		Symbols: []string{"AAPL", "MSFT", "NVDA"},
	})
	require.NoError(t, err)

	counts := rep.Counts()
	assert.Equal(t, 2, counts[OutcomeIngested])
	assert.Equal(t, 1, counts[OutcomeFailed])
	assert.Equal(t, 1, rep.ExitCode())

	anoms, err := env.manifests.ListAnomalies(ctx, manifest.AnomalyFilter{Domain: "prices"})
	require.NoError(t, err)
	require.Len(t, anoms, 1)
	assert.True(t, anoms[0].Partition.Equal(partition.Key{partition.DimSymbol: "MSFT"}))
}

func TestRunPrices_FailFastHalts(t *testing.T) {
	env := newTestEnv(t)
	env.registerIngest(t, "prices.ingest_daily", "prices")
	fetcher := &fakeFetcher{
		name: "api",
		errs: map[string]error{"AAPL": fmt.Errorf("boom")},
	}
	ctx := context.Background()

	rep, err := env.scheduler.RunPrices(ctx, pricePlan(fetcher), PriceOptions{
		Symbols:  []string{"AAPL", "MSFT"},
		FailFast: true,
	})
	require.NoError(t, err)

	assert.True(t, rep.Halted)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, OutcomeFailed, rep.Results[0].Outcome)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestRunPrices_DryRun(t *testing.T) {
	env := newTestEnv(t)
	env.registerIngest(t, "prices.ingest_daily", "prices")
	fetcher := &fakeFetcher{name: "api"}
	ctx := context.Background()

	rep, err := env.scheduler.RunPrices(ctx, pricePlan(fetcher), PriceOptions{
		Symbols: []string{"AAPL", "MSFT"},
		DryRun:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Counts()[OutcomePlanned])
	assert.Equal(t, 0, fetcher.callCount())
	assert.Equal(t, 0, env.dispatchCount("prices.ingest_daily"))
}

func TestRunPrices_ConfigErrors(t *testing.T) {
	env := newTestEnv(t)
	env.registerIngest(t, "prices.ingest_daily", "prices")
	fetcher := &fakeFetcher{name: "api"}
	ctx := context.Background()

	tests := []struct {
		name  string
		plan  PricePlan
		opts  PriceOptions
		field string
	}{
		{
			name:  "no symbols",
			plan:  pricePlan(fetcher),
			opts:  PriceOptions{},
			field: "symbols",
		},
		{
			name:  "unreadable symbols file",
			plan:  pricePlan(fetcher),
			opts:  PriceOptions{SymbolsFile: filepath.Join(t.TempDir(), "missing.txt")},
			field: "symbols-file",
		},
		{
			name:  "unknown output size",
			plan:  pricePlan(fetcher),
			opts:  PriceOptions{Symbols: []string{"AAPL"}, OutputSize: "huge"},
			field: "outputsize",
		},
		{
			name:  "nil fetcher",
			plan:  PricePlan{IngestPipeline: "prices.ingest_daily"},
			opts:  PriceOptions{Symbols: []string{"AAPL"}},
			field: "fetcher",
		},
		{
			name:  "missing pipeline",
			plan:  PricePlan{Fetcher: fetcher},
			opts:  PriceOptions{Symbols: []string{"AAPL"}},
			field: "ingest_pipeline",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := env.scheduler.RunPrices(ctx, tt.plan, tt.opts)
			assert.Nil(t, rep)
			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestResolveSymbols_Normalization(t *testing.T) {
	got, err := resolveSymbols(PriceOptions{SymbolsCSV: " aapl, MSFT ,,aapl , brk.b "})
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT", "BRK.B"}, got)
}

func TestResolveSymbols_ExplicitListWins(t *testing.T) {
	got, err := resolveSymbols(PriceOptions{
		Symbols:    []string{"nvda"},
		SymbolsCSV: "aapl",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA"}, got)
}

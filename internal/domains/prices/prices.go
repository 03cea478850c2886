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

// Package prices is the daily price bar reference domain: one ingest
// pipeline per symbol over the JSON time series the prices API
// returns. Like every domain it is infrastructure-free; the caller
// assembles fetchers and schedulers around it.
package prices

import (
	"context"
	"fmt"
	"time"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/period"
	"github.com/marketspine/spine/pkg/registry"
	"github.com/marketspine/spine/pkg/source"
	"github.com/marketspine/spine/pkg/storage"
)

// Domain is the registry namespace for price pipelines.
const Domain = "prices"

// PipelineIngest writes one symbol's daily bars under a capture.
const PipelineIngest = "prices.daily_bars.ingest_symbol"

// PeriodName is the key the trading-day strategy registers under.
const PeriodName = "trading_day"

// Deps carries what the pipeline closes over at registration time.
type Deps struct {
	// DB is the opened storage handle. The bars table is created on it
	// during Register.
	DB *storage.DB

	// Manifests is the partition-state ledger.
	Manifests *manifest.Store

	// Fetchers are filed in the domain's source registry by Name().
	Fetchers []source.Fetcher
}

func (d Deps) validate() error {
	if d.DB == nil {
		return &errors.ValidationError{Field: "db", Message: "storage handle is required"}
	}
	if d.Manifests == nil {
		return &errors.ValidationError{Field: "manifests", Message: "manifest store is required"}
	}
	return nil
}

// Register creates the bars table and populates reg with the ingest
// pipeline, the trading-day period strategy, and the given fetchers.
func Register(ctx context.Context, reg *registry.Registry, deps Deps) error {
	if err := deps.validate(); err != nil {
		return err
	}
	if err := deps.DB.EnsureSchema(ctx, schemaStatements); err != nil {
		return fmt.Errorf("prices schema: %w", err)
	}

	if err := reg.Register(PipelineIngest, ingestFactory(deps)); err != nil {
		return err
	}

	domain := reg.Domain(Domain)
	if err := domain.Periods.Register(PeriodName, TradingDay()); err != nil {
		return err
	}
	for _, f := range deps.Fetchers {
		if err := domain.Sources.Register(f.Name(), f); err != nil {
			return err
		}
	}
	return nil
}

// dayLayout is the trade_date column format and the series' date-key
// format.
const dayLayout = "2006-01-02"

// TradingDay returns the prices period strategy: a period is one
// weekday. Publications on a weekend cover the preceding Friday.
func TradingDay() period.Strategy {
	return tradingDay{}
}

type tradingDay struct{}

func (tradingDay) DerivePeriodEnd(publish time.Time) time.Time {
	d := publish.UTC()
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func (tradingDay) ValidateDate(d time.Time) error {
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return &errors.ValidationError{
			Field:   "trade_date",
			Message: fmt.Sprintf("%s falls on a %s", d.Format(dayLayout), d.Weekday()),
		}
	}
	return nil
}

func (tradingDay) FormatForFilename(d time.Time) string {
	return d.Format("20060102")
}

func (tradingDay) FormatForDisplay(d time.Time) string {
	return d.Format("Jan 2, 2006")
}

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

// Package finra is the weekly OTC transparency reference domain: three
// pipelines (ingest, normalize, rolling calc) over pipe-separated
// weekly summary files partitioned by (week_ending, tier).
//
// The package stays infrastructure-free: it reads and writes through
// the core storage and manifest contracts only. Fetchers, schedulers,
// and HTTP clients are assembled around it by the caller; Register
// receives fetchers as opaque source.Fetcher values and files them in
// the domain's source registry.
package finra

import (
	"context"
	"fmt"
	"time"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/registry"
	"github.com/marketspine/spine/pkg/source"
	"github.com/marketspine/spine/pkg/storage"
)

// Domain is the registry namespace for every FINRA pipeline.
const Domain = "finra"

// Pipeline names. The scheduler binds these to its phases: ingest in
// phase 1, normalize in phase 2, the rolling calc in phase 3.
const (
	PipelineIngest    = "finra.otc_transparency.ingest_week"
	PipelineNormalize = "finra.otc_transparency.normalize_week"
	PipelineRolling   = "finra.otc_transparency.calc_rolling"
)

// PeriodName is the key the weekly strategy registers under in the
// domain's period registry.
const PeriodName = "weekly_friday"

// Tier identifiers of the weekly OTC transparency publication. Every
// tier must reach the calc gate before a week computes.
const (
	TierNMS1 = "NMS_TIER_1"
	TierNMS2 = "NMS_TIER_2"
	TierOTCE = "OTCE"
)

// Tiers returns the full tier set in publication order.
func Tiers() []string {
	return []string{TierNMS1, TierNMS2, TierOTCE}
}

// Deps carries what the pipelines close over at registration time.
type Deps struct {
	// DB is the opened storage handle. The domain's tables are created
	// on it during Register.
	DB *storage.DB

	// Manifests is the partition-state ledger.
	Manifests *manifest.Store

	// Fetchers are the source strategies to file in the domain's source
	// registry, keyed by their Name().
	Fetchers []source.Fetcher

	// Now overrides the clock used to mint calc captures. Nil means
	// time.Now.
	Now func() time.Time
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

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Register creates the domain's tables and populates reg with the
// three pipelines, the weekly period strategy, and the given fetchers.
// Call once at startup; a second call fails with
// DuplicateRegistrationError.
func Register(ctx context.Context, reg *registry.Registry, deps Deps) error {
	if err := deps.validate(); err != nil {
		return err
	}
	if err := deps.DB.EnsureSchema(ctx, schemaStatements); err != nil {
		return fmt.Errorf("finra schema: %w", err)
	}

	if err := reg.Register(PipelineIngest, ingestFactory(deps)); err != nil {
		return err
	}
	if err := reg.Register(PipelineNormalize, normalizeFactory(deps)); err != nil {
		return err
	}
	if err := reg.Register(PipelineRolling, rollingFactory(deps)); err != nil {
		return err
	}

	domain := reg.Domain(Domain)
	if err := domain.Periods.Register(PeriodName, Weekly()); err != nil {
		return err
	}
	for _, f := range deps.Fetchers {
		if err := domain.Sources.Register(f.Name(), f); err != nil {
			return err
		}
	}
	return nil
}

// Package e2e drives the scheduler end to end over the real finra
// stack: registered pipelines, dispatcher, manifest ledger, and
// fetchers. Only the wall clock and the upstream source are faked.
package e2e

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/internal/domains/finra"
	"github.com/marketspine/spine/pkg/dispatch"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/registry"
	"github.com/marketspine/spine/pkg/schedule"
	"github.com/marketspine/spine/pkg/source"
	"github.com/marketspine/spine/pkg/storage"
)

// mondayNoon is the first wave's wall clock; the most recent Friday
// before it is 2025-08-22.
var mondayNoon = time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)

// env is one fully wired stack over an in-memory database. The clock
// is mutable so consecutive waves run on different capture days.
type env struct {
	db        *storage.DB
	manifests *manifest.Store
	scheduler *schedule.Scheduler
	now       time.Time
}

func newEnv(t *testing.T, fetchers ...source.Fetcher) *env {
	t.Helper()

	db, err := storage.Open(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{
		db:        db,
		manifests: manifest.NewStore(db),
		now:       mondayNoon,
	}
	clock := func() time.Time { return e.now }

	reg := registry.New()
	require.NoError(t, finra.Register(t.Context(), reg, finra.Deps{
		DB:        db,
		Manifests: e.manifests,
		Fetchers:  fetchers,
		Now:       clock,
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.scheduler = schedule.New(
		dispatch.New(reg, dispatch.WithLogger(logger)),
		e.manifests,
		schedule.WithLogger(logger),
		schedule.WithNowFunc(clock),
	)
	return e
}

// nextDay advances the stack's clock by one calendar day.
func (e *env) nextDay() {
	e.now = e.now.AddDate(0, 0, 1)
}

// rowCount counts all rows in a domain table across captures.
func (e *env) rowCount(t *testing.T, table string) int64 {
	t.Helper()
	var n int64
	err := e.db.SQL().QueryRowContext(t.Context(), "SELECT COUNT(*) FROM "+table).Scan(&n)
	require.NoError(t, err)
	return n
}

// finraPlan mirrors the production plan for the finra domain, with the
// first fetcher as the default source.
func finraPlan(fetchers ...source.Fetcher) schedule.DomainPlan {
	m := make(map[string]source.Fetcher, len(fetchers))
	for _, f := range fetchers {
		m[f.Name()] = f
	}
	return schedule.DomainPlan{
		Domain:            finra.Domain,
		Period:            finra.Weekly(),
		PeriodStep:        finra.WeekStep,
		Tiers:             finra.Tiers(),
		Fetchers:          m,
		DefaultSource:     fetchers[0].Name(),
		IngestPipeline:    finra.PipelineIngest,
		NormalizePipeline: finra.PipelineNormalize,
		CalcPipelines:     []string{finra.PipelineRolling},
		TierStages:        []manifest.Stage{manifest.StageRaw, manifest.StageNormalized},
	}
}

// writeWeekly drops a weekly summary file into dir under the upstream
// naming convention: the bare file is revision 1, republished
// corrections carry a _v<N> suffix.
func writeWeekly(t *testing.T, dir, week, tier string, version int, content string) {
	t.Helper()
	name := fmt.Sprintf("weekly_summary_%s_%s.psv", week, tier)
	if version > 1 {
		name = fmt.Sprintf("weekly_summary_%s_%s_v%d.psv", week, tier, version)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

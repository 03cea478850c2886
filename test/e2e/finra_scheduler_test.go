package e2e

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/internal/domains/finra"
	"github.com/marketspine/spine/internal/sources"
	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/partition"
	"github.com/marketspine/spine/pkg/schedule"
)

const (
	week1 = "2025-08-22"

	baseWeek = `symbol|issue_name|mpid|shares|trades
AAPL|APPLE INC|CDEL|1250000|8200
AAPL|APPLE INC|VIRT|730000|5100
MSFT|MICROSOFT CORP|CDEL|910000|6400
`
	revisedWeek = `symbol|issue_name|mpid|shares|trades
AAPL|APPLE INC|CDEL|1310000|8450
AAPL|APPLE INC|VIRT|730000|5100
MSFT|MICROSOFT CORP|CDEL|910000|6400
GME|GAMESTOP CORP|VIRT|240000|2100
`
)

// A wave re-run on a later day over identical source files captures
// nothing new: ingest reports UNCHANGED, the RAW manifest keeps the
// first day's capture untouched, and no anomaly is recorded.
func TestWeeklyWave_SecondDayUnchanged(t *testing.T) {
	dir := t.TempDir()
	for _, tier := range finra.Tiers() {
		writeWeekly(t, dir, week1, tier, 1, baseWeek)
	}
	fetcher := sources.NewFinraFile(dir)
	e := newEnv(t, fetcher)
	plan := finraPlan(fetcher)
	opts := schedule.Options{Weeks: []string{week1}}

	first, err := e.scheduler.Run(t.Context(), plan, opts)
	require.NoError(t, err)
	require.Equal(t, 0, first.ExitCode())
	counts := first.Counts()
	assert.Equal(t, 3, counts[schedule.OutcomeIngested])
	assert.Equal(t, 3, counts[schedule.OutcomeNormalized])
	assert.Equal(t, 1, counts[schedule.OutcomeComputed])
	assert.Equal(t, 1, counts[schedule.OutcomeReady])

	key := partition.Key{partition.DimWeekEnding: week1, partition.DimTier: finra.TierNMS1}
	before, err := e.manifests.Query(t.Context(), finra.Domain, key, manifest.StageRaw)
	require.NoError(t, err)
	require.NotNil(t, before)
	rawRows := e.rowCount(t, finra.TableWeeklySummary)
	activityRows := e.rowCount(t, finra.TableWeeklyActivity)

	e.nextDay()
	second, err := e.scheduler.Run(t.Context(), plan, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ExitCode())
	counts = second.Counts()
	assert.Equal(t, 3, counts[schedule.OutcomeUnchanged])
	assert.Zero(t, counts[schedule.OutcomeIngested])
	assert.Equal(t, 1, counts[schedule.OutcomeReady])

	after, err := e.manifests.Query(t.Context(), finra.Domain, key, manifest.StageRaw)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.CaptureID, after.CaptureID)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt),
		"unchanged ingest must not rewrite the RAW manifest")

	assert.Equal(t, rawRows, e.rowCount(t, finra.TableWeeklySummary))
	assert.Equal(t, activityRows, e.rowCount(t, finra.TableWeeklyActivity))

	anomalies, err := e.manifests.ListAnomalies(t.Context(), manifest.AnomalyFilter{Domain: finra.Domain})
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

// A republished revision file is picked up on the next wave as a fresh
// capture that coexists with the prior day's rows instead of
// overwriting them, and the manifest's latest capture moves forward.
func TestWeeklyWave_RevisionCapturedNextDay(t *testing.T) {
	dir := t.TempDir()
	for _, tier := range finra.Tiers() {
		writeWeekly(t, dir, week1, tier, 1, baseWeek)
	}
	fetcher := sources.NewFinraFile(dir)
	e := newEnv(t, fetcher)
	plan := finraPlan(fetcher)
	opts := schedule.Options{Weeks: []string{week1}}

	_, err := e.scheduler.Run(t.Context(), plan, opts)
	require.NoError(t, err)

	key := partition.Key{partition.DimWeekEnding: week1, partition.DimTier: finra.TierNMS2}
	mondayCapture := partition.NewCaptureID(finra.Domain, key, e.now)

	writeWeekly(t, dir, week1, finra.TierNMS2, 2, revisedWeek)
	e.nextDay()
	second, err := e.scheduler.Run(t.Context(), plan, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ExitCode())

	counts := second.Counts()
	assert.Equal(t, 1, counts[schedule.OutcomeIngested])
	assert.Equal(t, 2, counts[schedule.OutcomeUnchanged])
	assert.Equal(t, 1, counts[schedule.OutcomeReady])

	tuesdayCapture := partition.NewCaptureID(finra.Domain, key, e.now)
	mondayRows, err := e.db.CountByCapture(t.Context(), finra.TableWeeklySummary, string(mondayCapture))
	require.NoError(t, err)
	assert.EqualValues(t, 3, mondayRows, "the original capture keeps its rows")
	tuesdayRows, err := e.db.CountByCapture(t.Context(), finra.TableWeeklySummary, string(tuesdayCapture))
	require.NoError(t, err)
	assert.EqualValues(t, 4, tuesdayRows)

	latest, err := e.manifests.LatestCapture(t.Context(), finra.Domain, finra.PipelineIngest, key)
	require.NoError(t, err)
	assert.Equal(t, tuesdayCapture, latest)

	hash, err := e.manifests.LatestContentHash(t.Context(), finra.Domain, finra.PipelineIngest, key, manifest.StageRaw)
	require.NoError(t, err)
	assert.Equal(t, partition.ContentHash([]byte(revisedWeek)), hash)

	norm, err := e.manifests.Query(t.Context(), finra.Domain, key, manifest.StageNormalized)
	require.NoError(t, err)
	require.NotNil(t, norm)
	assert.Equal(t, tuesdayCapture, norm.CaptureID)
}

// One week's upstream outage must not poison the wave: the other weeks
// complete through readiness, the failed week gets exactly one ERROR
// anomaly and no RAW manifest, and the exit code reports partial
// failure.
func TestWeeklyWave_OutageIsolatedToOneWeek(t *testing.T) {
	const badWeek = "2025-08-15"
	weeks := []string{"2025-08-08", badWeek, week1}

	var badHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("week_ending") == badWeek {
			badHits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("X-File-Version", "v1")
		fmt.Fprint(w, baseWeek)
	}))
	defer srv.Close()

	fetcher, err := sources.NewFinraAPI(sources.FinraAPIConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	e := newEnv(t, fetcher)
	plan := finraPlan(fetcher)
	plan.Tiers = []string{finra.TierNMS1}

	rep, err := e.scheduler.Run(t.Context(), plan, schedule.Options{Weeks: weeks})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ExitCode())

	counts := rep.Counts()
	assert.Equal(t, 2, counts[schedule.OutcomeIngested])
	assert.Equal(t, 1, counts[schedule.OutcomeFailed])
	assert.Equal(t, 2, counts[schedule.OutcomeNormalized])
	assert.Equal(t, 2, counts[schedule.OutcomeComputed])
	assert.Equal(t, 2, counts[schedule.OutcomeSkipped])
	assert.Equal(t, 2, counts[schedule.OutcomeReady])
	assert.Equal(t, 1, counts[schedule.OutcomeBlocked])

	// The client retried the 5xx before the failure surfaced.
	assert.GreaterOrEqual(t, badHits.Load(), int64(2))

	badKey := partition.Key{partition.DimWeekEnding: badWeek, partition.DimTier: finra.TierNMS1}
	entry, err := e.manifests.Query(t.Context(), finra.Domain, badKey, manifest.StageRaw)
	require.NoError(t, err)
	assert.Nil(t, entry, "a failed fetch must not advertise RAW data")

	anomalies, err := e.manifests.ListAnomalies(t.Context(), manifest.AnomalyFilter{Domain: finra.Domain})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, manifest.SeverityError, a.Severity)
	assert.Equal(t, errors.CategoryTransient, a.Category)
	assert.Equal(t, finra.PipelineIngest, a.Pipeline)
	assert.Equal(t, badKey.Canonical(), a.Partition.Canonical())
	assert.Contains(t, a.Message, "HTTP 503")

	for _, wk := range weeks {
		r, err := e.manifests.GetReadiness(t.Context(), finra.Domain, partition.Key{partition.DimWeekEnding: wk})
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, wk != badWeek, r.IsReady, "week %s", wk)
	}
}

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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	return w.Body.String()
}

func TestHandler_ExposesRecordedSeries(t *testing.T) {
	RecordPipelineRun("finra.ingest_week", "COMPLETED", 120*time.Millisecond, 42)
	SetQueueDepth("PENDING", 3)
	RecordQueueTransition("RUNNING")
	RecordSchedulerPartition("finra", "ingest", "success")
	RecordSourceFetch("prices", "fetched")
	RecordWorkflowStep("pipeline", "COMPLETED")
	RecordCheckpointWrite()

	body := scrape(t)

	assert.Contains(t, body,
		`spine_pipeline_runs_total{pipeline="finra.ingest_week",status="COMPLETED"}`)
	assert.Contains(t, body,
		`spine_pipeline_rows_total{pipeline="finra.ingest_week"} 42`)
	assert.Contains(t, body,
		`spine_pipeline_duration_seconds_count{pipeline="finra.ingest_week"}`)
	assert.Contains(t, body, `spine_queue_depth{state="PENDING"} 3`)
	assert.Contains(t, body, `spine_queue_transitions_total{state="RUNNING"}`)
	// Exposition format orders labels alphabetically.
	assert.Contains(t, body,
		`spine_scheduler_partitions_total{domain="finra",outcome="success",phase="ingest"}`)
	assert.Contains(t, body, `spine_source_fetches_total{domain="prices",result="fetched"}`)
	assert.Contains(t, body, `spine_workflow_steps_total{kind="pipeline",status="COMPLETED"}`)
	assert.Contains(t, body, "spine_workflow_checkpoint_writes_total")
}

func TestSetQueueDepth_Overwrites(t *testing.T) {
	SetQueueDepth("RETRY_WAIT", 9)
	SetQueueDepth("RETRY_WAIT", 2)

	body := scrape(t)

	assert.Contains(t, body, `spine_queue_depth{state="RETRY_WAIT"} 2`)
	assert.NotContains(t, body, `spine_queue_depth{state="RETRY_WAIT"} 9`)
}

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

// Package metrics exposes Prometheus instrumentation for pipeline
// executions, the work queue, workflow runs, and scheduler campaigns.
// Collectors register on the default registry; the daemon serves them
// at /metrics via Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// pipelineRuns counts pipeline executions by terminal status.
	pipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_pipeline_runs_total",
			Help: "Total pipeline executions by pipeline and terminal status",
		},
		[]string{"pipeline", "status"},
	)

	// pipelineDuration observes wall-clock execution time.
	pipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spine_pipeline_duration_seconds",
			Help:    "Pipeline execution duration in seconds",
			Buckets: []float64{.05, .25, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"pipeline"},
	)

	// pipelineRows counts rows written per pipeline.
	pipelineRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_pipeline_rows_total",
			Help: "Total rows written by pipeline",
		},
		[]string{"pipeline"},
	)

	// queueTransitions counts work-item state transitions.
	queueTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_queue_transitions_total",
			Help: "Total work-queue state transitions by resulting state",
		},
		[]string{"state"},
	)

	// queueDepth reports current work-item counts per state.
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spine_queue_depth",
			Help: "Current number of work items by state",
		},
		[]string{"state"},
	)

	// queueReaped counts expired locks recovered by the reaper.
	queueReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spine_queue_reaped_total",
			Help: "Total work items recovered from expired locks",
		},
	)

	// workflowSteps counts workflow step executions by kind and status.
	workflowSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_workflow_steps_total",
			Help: "Total workflow step executions by step kind and status",
		},
		[]string{"kind", "status"},
	)

	// workflowRuns counts workflow runs by terminal status.
	workflowRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_workflow_runs_total",
			Help: "Total workflow runs by workflow and terminal status",
		},
		[]string{"workflow", "status"},
	)

	// checkpointWrites counts checkpoint persistence operations.
	checkpointWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spine_workflow_checkpoint_writes_total",
			Help: "Total workflow checkpoint writes",
		},
	)

	// schedulerPartitions counts per-partition scheduler outcomes.
	schedulerPartitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_scheduler_partitions_total",
			Help: "Total scheduler partition outcomes by domain, phase, and outcome",
		},
		[]string{"domain", "phase", "outcome"},
	)

	// sourceFetches counts source fetches by domain and result.
	sourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_source_fetches_total",
			Help: "Total source fetches by domain and result",
		},
		[]string{"domain", "result"},
	)
)

// RecordPipelineRun records a completed pipeline execution.
func RecordPipelineRun(pipeline, status string, duration time.Duration, rows int64) {
	pipelineRuns.WithLabelValues(pipeline, status).Inc()
	pipelineDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
	if rows > 0 {
		pipelineRows.WithLabelValues(pipeline).Add(float64(rows))
	}
}

// RecordQueueTransition records a work-item transition into state.
func RecordQueueTransition(state string) {
	queueTransitions.WithLabelValues(state).Inc()
}

// SetQueueDepth sets the current depth gauge for a state.
func SetQueueDepth(state string, n int) {
	queueDepth.WithLabelValues(state).Set(float64(n))
}

// RecordReaped records n work items recovered from expired locks.
func RecordReaped(n int) {
	if n > 0 {
		queueReaped.Add(float64(n))
	}
}

// RecordWorkflowStep records a workflow step execution.
func RecordWorkflowStep(kind, status string) {
	workflowSteps.WithLabelValues(kind, status).Inc()
}

// RecordWorkflowRun records a terminal workflow run.
func RecordWorkflowRun(workflow, status string) {
	workflowRuns.WithLabelValues(workflow, status).Inc()
}

// RecordCheckpointWrite records one checkpoint persistence.
func RecordCheckpointWrite() {
	checkpointWrites.Inc()
}

// RecordSchedulerPartition records one per-partition scheduler outcome.
func RecordSchedulerPartition(domain, phase, outcome string) {
	schedulerPartitions.WithLabelValues(domain, phase, outcome).Inc()
}

// RecordSourceFetch records a source fetch attempt.
func RecordSourceFetch(domain, result string) {
	sourceFetches.WithLabelValues(domain, result).Inc()
}

// Handler returns the HTTP handler serving the default Prometheus
// registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

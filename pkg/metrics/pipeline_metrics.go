// Package metrics provides Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// stageTasksTotal counts stage task executions.
	// Labels:
	//   - stage: pipeline stage (extract, fingerprint, resolve, transcribe)
	//   - status: success, transient_error, unrecoverable_error, canceled
	stageTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_tasks_total",
			Help: "Total number of pipeline stage task executions",
		},
		[]string{"stage", "status"},
	)

	// stageDuration records how long each stage task ran.
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stage tasks in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"stage"},
	)

	// batchesSubmitted counts accepted batch submissions.
	batchesSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_batches_submitted_total",
			Help: "Total number of accepted batch submissions",
		},
	)

	// batchesFinished counts batches reaching a terminal status.
	batchesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_batches_finished_total",
			Help: "Total number of batches reaching a terminal status",
		},
		[]string{"status"},
	)

	// wsSubscribers tracks currently connected progress subscribers.
	wsSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_ws_subscribers",
			Help: "Number of currently connected WebSocket subscribers",
		},
	)

	// syncConfidence observes resolved batch sync confidence scores.
	syncConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_sync_confidence",
			Help:    "Distribution of resolved batch sync confidence scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
)

func init() {
	prometheus.MustRegister(
		stageTasksTotal,
		stageDuration,
		batchesSubmitted,
		batchesFinished,
		wsSubscribers,
		syncConfidence,
	)
}

// RecordStageTask records one stage task outcome and its duration.
func RecordStageTask(stage, status string, elapsed time.Duration) {
	stageTasksTotal.WithLabelValues(stage, status).Inc()
	stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RecordBatchSubmitted increments the submission counter.
func RecordBatchSubmitted() {
	batchesSubmitted.Inc()
}

// RecordBatchFinished records a batch terminal status.
func RecordBatchFinished(status string) {
	batchesFinished.WithLabelValues(status).Inc()
}

// SubscriberConnected adjusts the live subscriber gauge.
func SubscriberConnected()    { wsSubscribers.Inc() }
func SubscriberDisconnected() { wsSubscribers.Dec() }

// RecordSyncConfidence observes a resolved batch confidence.
func RecordSyncConfidence(confidence float64) {
	syncConfidence.Observe(confidence)
}

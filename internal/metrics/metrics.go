// Package metrics provides Prometheus metrics for the Delta Streamer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the Delta Streamer.
type Metrics struct {
	// Workflow metrics
	WorkflowsStarted *prometheus.CounterVec
	WorkflowOutcomes *prometheus.CounterVec
	WorkflowDuration *prometheus.HistogramVec

	// Lock metrics
	LockAcquireAttempts *prometheus.CounterVec
	LockContention      *prometheus.CounterVec

	// Delta job metrics
	DeltaJobsSubmitted *prometheus.CounterVec
	DeltaJobDuration   *prometheus.HistogramVec
	PollTicks          *prometheus.CounterVec

	// Publish metrics
	RecordsPublished *prometheus.CounterVec
	PublishDuration  *prometheus.HistogramVec

	// Applier metrics
	RecordsApplied      *prometheus.CounterVec
	RecordsDeadLettered *prometheus.CounterVec
	ApplyRetries        *prometheus.CounterVec
	ActivePartitions    prometheus.Gauge

	// Archive metrics
	DeltasArchived *prometheus.CounterVec
	ArchiveErrors  *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "delta_streamer"
	}

	m := &Metrics{
		WorkflowsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_started_total",
				Help:      "Total number of delta workflows started",
			},
			[]string{"dataset"},
		),
		WorkflowOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_outcomes_total",
				Help:      "Total number of workflow completions by outcome",
			},
			[]string{"dataset", "outcome"},
		),
		WorkflowDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "End-to-end workflow duration",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"dataset"},
		),
		LockAcquireAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquire_attempts_total",
				Help:      "Total number of dataset lock acquire attempts",
			},
			[]string{"dataset"},
		),
		LockContention: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of acquire attempts rejected by a live lock",
			},
			[]string{"dataset"},
		),
		DeltaJobsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delta_jobs_submitted_total",
				Help:      "Total number of delta comparison jobs submitted",
			},
			[]string{"dataset", "kind"},
		),
		DeltaJobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delta_job_duration_seconds",
				Help:      "Delta job duration from submit to terminal state",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"dataset"},
		),
		PollTicks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_ticks_total",
				Help:      "Total number of delta job status polls",
			},
			[]string{"dataset"},
		),
		RecordsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_published_total",
				Help:      "Total number of change records published to the stream",
			},
			[]string{"dataset", "op"},
		),
		PublishDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Publish step duration",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"dataset"},
		),
		RecordsApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_applied_total",
				Help:      "Total number of change records applied to the target store",
			},
			[]string{"dataset", "op"},
		),
		RecordsDeadLettered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_dead_lettered_total",
				Help:      "Total number of change records routed to the dead-letter sink",
			},
			[]string{"dataset"},
		),
		ApplyRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "apply_retries_total",
				Help:      "Total number of applier batch retries after bisection",
			},
			[]string{"dataset"},
		),
		ActivePartitions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_partitions",
				Help:      "Number of partitions with a live applier worker",
			},
		),
		DeltasArchived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deltas_archived_total",
				Help:      "Total number of delta archives written to storage",
			},
			[]string{"dataset"},
		),
		ArchiveErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_errors_total",
				Help:      "Total number of delta archive write errors",
			},
			[]string{"dataset"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncWorkflowStarted increments the workflows started counter.
func (m *Metrics) IncWorkflowStarted(dataset string) {
	m.WorkflowsStarted.WithLabelValues(dataset).Inc()
}

// IncWorkflowOutcome increments the workflow outcome counter.
func (m *Metrics) IncWorkflowOutcome(dataset, outcome string) {
	m.WorkflowOutcomes.WithLabelValues(dataset, outcome).Inc()
}

// ObserveWorkflowDuration records the end-to-end workflow duration.
func (m *Metrics) ObserveWorkflowDuration(dataset string, seconds float64) {
	m.WorkflowDuration.WithLabelValues(dataset).Observe(seconds)
}

// IncLockAttempt increments the lock acquire attempts counter.
func (m *Metrics) IncLockAttempt(dataset string) {
	m.LockAcquireAttempts.WithLabelValues(dataset).Inc()
}

// IncLockContention increments the lock contention counter.
func (m *Metrics) IncLockContention(dataset string) {
	m.LockContention.WithLabelValues(dataset).Inc()
}

// IncDeltaJobSubmitted increments the submitted jobs counter.
// kind is "full_load" or "diff".
func (m *Metrics) IncDeltaJobSubmitted(dataset, kind string) {
	m.DeltaJobsSubmitted.WithLabelValues(dataset, kind).Inc()
}

// ObserveDeltaJobDuration records the delta job duration.
func (m *Metrics) ObserveDeltaJobDuration(dataset string, seconds float64) {
	m.DeltaJobDuration.WithLabelValues(dataset).Observe(seconds)
}

// IncPollTick increments the poll counter.
func (m *Metrics) IncPollTick(dataset string) {
	m.PollTicks.WithLabelValues(dataset).Inc()
}

// AddRecordsPublished adds to the published records counter.
func (m *Metrics) AddRecordsPublished(dataset, op string, count float64) {
	m.RecordsPublished.WithLabelValues(dataset, op).Add(count)
}

// ObservePublishDuration records the publish step duration.
func (m *Metrics) ObservePublishDuration(dataset string, seconds float64) {
	m.PublishDuration.WithLabelValues(dataset).Observe(seconds)
}

// IncRecordApplied increments the applied records counter.
func (m *Metrics) IncRecordApplied(dataset, op string) {
	m.RecordsApplied.WithLabelValues(dataset, op).Inc()
}

// IncRecordDeadLettered increments the dead-lettered records counter.
func (m *Metrics) IncRecordDeadLettered(dataset string) {
	m.RecordsDeadLettered.WithLabelValues(dataset).Inc()
}

// IncApplyRetry increments the apply retries counter.
func (m *Metrics) IncApplyRetry(dataset string) {
	m.ApplyRetries.WithLabelValues(dataset).Inc()
}

// SetActivePartitions sets the live applier worker gauge.
func (m *Metrics) SetActivePartitions(count float64) {
	m.ActivePartitions.Set(count)
}

// IncDeltaArchived increments the archived deltas counter.
func (m *Metrics) IncDeltaArchived(dataset string) {
	m.DeltasArchived.WithLabelValues(dataset).Inc()
}

// IncArchiveError increments the archive errors counter.
func (m *Metrics) IncArchiveError(dataset string) {
	m.ArchiveErrors.WithLabelValues(dataset).Inc()
}

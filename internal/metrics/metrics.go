package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windowwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "windowwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windowwatch_panics_recovered_total",
			Help: "Total number of recovered panics",
		},
		[]string{"component"},
	)

	// Ingest metrics
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windowwatch_events_ingested_total",
			Help: "Total number of events submitted to the log",
		},
		// Source types are caller supplied, so they stay out of the label set.
		[]string{"status"}, // accepted, duplicate, rejected, failed
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "windowwatch_ingest_batch_size",
			Help:    "Size of event batches submitted over HTTP",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	GeneratedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windowwatch_generated_events_total",
			Help: "Total number of synthetic events submitted by the generator",
		},
		[]string{"stream", "mode"}, // mode: stream, burst
	)

	SourceRowsPolled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windowwatch_source_rows_polled_total",
			Help: "Total number of rows read from upstream tables",
		},
		[]string{"source"},
	)

	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windowwatch_kafka_messages_consumed_total",
			Help: "Total number of Kafka messages consumed",
		},
		[]string{"topic", "status"},
	)

	// Evaluator metrics
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "windowwatch_sweep_duration_seconds",
			Help:    "Duration of a full evaluation sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windowwatch_sweep_failures_total",
			Help: "Total number of sweeps aborted before commit",
		},
	)

	EventsEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windowwatch_events_evaluated_total",
			Help: "Total number of events consumed by the evaluator",
		},
	)

	EvaluatorCheckpoint = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "windowwatch_evaluator_checkpoint",
			Help: "Highest event id committed by the evaluator",
		},
	)

	EvaluatorBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "windowwatch_evaluator_backlog_events",
			Help: "Events ingested but not yet evaluated",
		},
	)

	WindowEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "windowwatch_window_entries",
			Help: "Current number of entries in a metric window",
		},
		[]string{"metric_id"},
	)

	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windowwatch_alert_transitions_total",
			Help: "Total number of alert lifecycle transitions",
		},
		[]string{"action", "severity"},
	)

	ActiveAnomalies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "windowwatch_active_anomalies",
			Help: "Number of metrics currently in the ACTIVE state",
		},
	)

	// Notification metrics
	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windowwatch_notifications_published_total",
			Help: "Total number of transition notifications published",
		},
		[]string{"sink", "status"},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// API metrics
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestTotal    *prometheus.CounterVec

	// Command metrics
	CommandsAccepted  *prometheus.CounterVec
	CommandsDuplicate prometheus.Counter
	CommandsTerminal  *prometheus.CounterVec
	CommandRetries    prometheus.Counter
	CommandsParkedDLQ prometheus.Counter

	// Outbox metrics
	OutboxClaimed      prometheus.Counter
	OutboxPublished    *prometheus.CounterVec
	OutboxRescheduled  prometheus.Counter
	OutboxFailed       prometheus.Counter
	OutboxRecovered    prometheus.Counter
	OutboxBatchSize    prometheus.Histogram
	OutboxPublishDelay prometheus.Histogram
	FastpathNotified   prometheus.Counter
	FastpathDropped    prometheus.Counter

	// Consumer metrics
	InboxDuplicates prometheus.Counter
	HandlerDuration *prometheus.HistogramVec
	HandlerFailures *prometheus.CounterVec

	// Process metrics
	ProcessesStarted   *prometheus.CounterVec
	ProcessesCompleted *prometheus.CounterVec
	ProcessStepRetries prometheus.Counter
	ProcessesByStatus  *prometheus.GaugeVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		CommandsAccepted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_accepted_total",
				Help:      "Commands accepted by the command bus",
			},
			[]string{"name"},
		),
		CommandsDuplicate: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_duplicate_total",
				Help:      "Command submissions resolved to an existing command by idempotency key",
			},
		),
		CommandsTerminal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_terminal_total",
				Help:      "Commands reaching a terminal status",
			},
			[]string{"status"},
		),
		CommandRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_retries_total",
				Help:      "Command handler retries",
			},
		),
		CommandsParkedDLQ: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_parked_dlq_total",
				Help:      "Commands parked in the dead-letter queue",
			},
		),
		OutboxClaimed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_claimed_total",
				Help:      "Outbox rows claimed by the relay",
			},
		),
		OutboxPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_published_total",
				Help:      "Outbox rows published to the broker",
			},
			[]string{"category"},
		),
		OutboxRescheduled: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_rescheduled_total",
				Help:      "Outbox rows rescheduled after a publish failure",
			},
		),
		OutboxFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_failed_total",
				Help:      "Outbox rows marked failed",
			},
		),
		OutboxRecovered: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_recovered_total",
				Help:      "Stuck outbox rows recovered by the sweeper",
			},
		),
		OutboxBatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_batch_size",
				Help:      "Claimed batch sizes per sweep",
				Buckets:   []float64{0, 1, 5, 10, 50, 100, 250, 500},
			},
		),
		OutboxPublishDelay: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_publish_delay_seconds",
				Help:      "Delay between outbox row creation and publish",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 60, 300},
			},
		),
		FastpathNotified: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fastpath_notified_total",
				Help:      "Fast-path notifications accepted",
			},
		),
		FastpathDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fastpath_dropped_total",
				Help:      "Fast-path notifications dropped (no permit available)",
			},
		),
		InboxDuplicates: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbox_duplicates_total",
				Help:      "Deliveries suppressed by the inbox guard",
			},
		),
		HandlerDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Command handler execution duration",
				Buckets:   []float64{.005, .025, .1, .5, 1, 5, 30, 60},
			},
			[]string{"command"},
		),
		HandlerFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_failures_total",
				Help:      "Command handler failures",
			},
			[]string{"command", "kind"},
		),
		ProcessesStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_started_total",
				Help:      "Process instances started",
			},
			[]string{"type"},
		),
		ProcessesCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_completed_total",
				Help:      "Process instances reaching a terminal status",
			},
			[]string{"type", "status"},
		),
		ProcessStepRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_step_retries_total",
				Help:      "Process step retries",
			},
		),
		ProcessesByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "processes_by_status",
				Help:      "Process instances per status",
			},
			[]string{"status"},
		),
		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
	}
}

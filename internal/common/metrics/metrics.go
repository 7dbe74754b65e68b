// Package metrics exposes the Prometheus collectors for ambient concerns
// that span job boundaries: schema registry activity, the alert queue, and
// the admin HTTP surface. Per-job stream and checkpoint metrics live next
// to the code that emits them (internal/cdcstream/metrics.go,
// internal/checkpoint/metrics.go) rather than here, to keep each package's
// collectors registered exactly once.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Schema metrics

	// SchemaDriftEvents tracks classified schema drift events by severity
	SchemaDriftEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdc",
			Subsystem: "schema",
			Name:      "drift_events_total",
			Help:      "Total schema drift events by classification",
		},
		[]string{"job_id", "classification"}, // safe, warning, breaking
	)

	// Queue metrics

	// QueueMessagesPublished tracks alert messages published to a queue
	QueueMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdc",
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total messages published to the alert queue",
		},
		[]string{"queue_type"}, // nats, sqs
	)

	// QueuePublishErrors tracks queue publish errors
	QueuePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdc",
			Subsystem: "queue",
			Name:      "publish_errors_total",
			Help:      "Total queue publish errors",
		},
		[]string{"queue_type"},
	)

	// HTTP metrics

	// HTTPRequestsTotal tracks admin API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdc",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks admin API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cdc",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

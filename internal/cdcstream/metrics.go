package cdcstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdc",
			Subsystem: "stream",
			Name:      "records_processed_total",
			Help:      "Total change-stream records processed by collection and operation type",
		},
		[]string{"collection", "operation"},
	)

	lagSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cdc",
			Subsystem: "stream",
			Name:      "lag_seconds",
			Help:      "Lag between oplog cluster time and local processing",
		},
		[]string{"collection"},
	)

	batchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cdc",
			Subsystem: "stream",
			Name:      "batch_duration_seconds",
			Help:      "Time to flush one batch to the sink",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdc",
			Subsystem: "stream",
			Name:      "errors_total",
			Help:      "Total change-stream errors by type",
		},
		[]string{"collection", "error_type"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cdc",
			Subsystem: "stream",
			Name:      "circuit_breaker_state",
			Help:      "Sink circuit breaker state: 0=closed, 1=half-open, 2=open",
		},
		[]string{"collection"},
	)
)

package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkpointSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdc",
			Subsystem: "checkpoint",
			Name:      "saves_total",
			Help:      "Total checkpoint save attempts by outcome",
		},
		[]string{"status"}, // success, invalid, error
	)

	checkpointLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdc",
			Subsystem: "checkpoint",
			Name:      "loads_total",
			Help:      "Total checkpoint load attempts by outcome",
		},
		[]string{"status"}, // success, not_found, invalid, error
	)
)

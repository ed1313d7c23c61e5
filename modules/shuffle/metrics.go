package shuffle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOutputBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pullserver",
		Name:      "shuffle_output_bytes_total",
		Help:      "Total bytes of shuffle output handed to transfers.",
	})
	metricOutputsOK = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pullserver",
		Name:      "shuffle_outputs_succeeded_total",
		Help:      "Total number of succeeded shuffle transfers.",
	})
	metricOutputsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pullserver",
		Name:      "shuffle_outputs_failed_total",
		Help:      "Total number of failed shuffle transfers.",
	})
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pullserver",
		Name:      "shuffle_connections",
		Help:      "Number of shuffle transfers currently in flight.",
	})
	metricTransferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pullserver",
		Name:      "shuffle_transfer_duration_seconds",
		Help:      "Records the amount of time to transfer one chunk.",
		Buckets:   prometheus.ExponentialBuckets(.005, 4, 8),
	})
)

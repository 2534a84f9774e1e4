package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	appendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "journal",
		Name:      "append_seconds",
		Help:      "Latency for appending mutations to the journal.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"node"})

	replayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "journal",
		Name:      "replay_seconds",
		Help:      "Latency for replaying journal batches per node.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"node"})

	journalBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "journal",
		Name:      "backlog_entries",
		Help:      "Pending journal entries beyond the last checkpoint per node.",
	}, []string{"node"})

	journalTracer = otel.Tracer("github.com/example/thought-mesh/journal")
)

func init() {
	prometheus.MustRegister(appendLatency, replayLatency, journalBacklog)
}

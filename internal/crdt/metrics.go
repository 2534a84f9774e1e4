package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	mergeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "merge_seconds",
		Help:      "Time spent merging a remote replica snapshot.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"node"})

	conflictsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "conflicts_resolved_total",
		Help:      "Concurrent pairs resolved during merges, by strategy.",
	}, []string{"strategy"})

	thoughtCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "crdt",
		Name:      "thoughts",
		Help:      "Live (non-tombstoned) records in the store.",
	}, []string{"node"})

	tombstoneCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "crdt",
		Name:      "tombstones",
		Help:      "Tombstoned records retained for deletion propagation.",
	}, []string{"node"})
)

func init() {
	prometheus.MustRegister(mergeLatency, conflictsResolved, thoughtCount, tombstoneCount)
}

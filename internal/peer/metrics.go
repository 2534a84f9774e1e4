package peer

import "github.com/prometheus/client_golang/prometheus"

var (
	syncRounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peer",
		Name:      "sync_rounds_total",
		Help:      "Completed anti-entropy rounds per remote node.",
	}, []string{"peer"})

	syncFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peer",
		Name:      "sync_failures_total",
		Help:      "Failed anti-entropy rounds per peer address.",
	}, []string{"peer"})

	syncLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "peer",
		Name:      "sync_round_seconds",
		Help:      "Duration of a full anti-entropy round per remote node.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"peer"})
)

func init() {
	prometheus.MustRegister(syncRounds, syncFailures, syncLatency)
}

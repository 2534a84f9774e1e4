package api

import "github.com/prometheus/client_golang/prometheus"

var requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "api",
	Name:      "request_seconds",
	Help:      "Latency of HTTP handlers by operation.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"operation"})

func init() {
	prometheus.MustRegister(requestLatency)
}

package lock

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	modeRead  = "read"
	modeWrite = "write"

	resultAcquired = "acquired"
	resultTimedOut = "timed_out"
	resultCanceled = "canceled"
)

var (
	acquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babel_lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts by mode and result.",
		},
		[]string{"mode", "result"},
	)

	waitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "babel_lock_wait_seconds",
			Help:    "Time spent waiting for a lock to be granted, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(acquisitionsTotal)
	prometheus.MustRegister(waitDuration)

	for _, mode := range []string{modeRead, modeWrite} {
		for _, result := range []string{resultAcquired, resultTimedOut, resultCanceled} {
			acquisitionsTotal.WithLabelValues(mode, result)
		}
	}
}

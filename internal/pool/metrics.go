package pool

import "github.com/prometheus/client_golang/prometheus"

// Label values for pool counters.
const (
	resultSuccess = "success"
	resultFailed  = "failed"

	acquireWarm     = "warm"
	acquireBuilt    = "built"
	acquireNotReady = "not_ready"

	reasonUnhealthy = "unhealthy"
	reasonIdle      = "idle"
	reasonShutdown  = "shutdown"
)

var (
	buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pool_builds_total",
			Help: "Total number of warm container builds by result.",
		},
		[]string{"language", "backend", "result"},
	)

	buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_pool_build_seconds",
			Help:    "Duration of warm container builds, in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"language", "backend"},
	)

	acquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pool_acquisitions_total",
			Help: "Total number of pool acquisitions by outcome.",
		},
		[]string{"language", "backend", "outcome"},
	)

	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pool_evictions_total",
			Help: "Total number of warm containers evicted by reason.",
		},
		[]string{"language", "backend", "reason"},
	)
)

func init() {
	prometheus.MustRegister(buildsTotal)
	prometheus.MustRegister(buildDuration)
	prometheus.MustRegister(acquisitionsTotal)
	prometheus.MustRegister(evictionsTotal)
}

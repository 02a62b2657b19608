package docker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/model"
)

// Metric label values for run outcomes.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

var (
	imageBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_docker_image_build_seconds",
			Help:    "Duration of image builds, in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"backend", "language"},
	)

	containerCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_docker_container_create_seconds",
			Help:    "Duration from container create request to started container, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	containerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_docker_container_runs_total",
			Help: "Total number of attached container runs by outcome.",
		},
		[]string{"backend", "outcome"},
	)

	containersDestroyedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_docker_containers_destroyed_total",
			Help: "Total number of containers removed by the driver.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(imageBuildDuration)
	prometheus.MustRegister(containerCreateDuration)
	prometheus.MustRegister(containerRunsTotal)
	prometheus.MustRegister(containersDestroyedTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup.
	for _, b := range []model.Backend{model.BackendStandard, model.BackendSandboxed} {
		containerRunsTotal.WithLabelValues(string(b), outcomeSuccess)
		containerRunsTotal.WithLabelValues(string(b), outcomeError)
		containerRunsTotal.WithLabelValues(string(b), outcomeTimeout)
		containersDestroyedTotal.WithLabelValues(string(b))
	}
}

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/model"
)

// Outcome label values.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_executions_total",
			Help: "Total number of function executions by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_execution_duration_seconds",
			Help:    "Function execution duration, in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"backend"},
	)

	sinkErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_metric_sink_errors_total",
			Help: "Total number of metric records the sink failed to persist.",
		},
	)

	droppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_metric_dropped_total",
			Help: "Total number of metric records dropped because the queue was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(sinkErrorsTotal)
	prometheus.MustRegister(droppedTotal)

	for _, b := range []model.Backend{model.BackendStandard, model.BackendSandboxed, model.BackendUnknown} {
		executionsTotal.WithLabelValues(string(b), outcomeSuccess)
		executionsTotal.WithLabelValues(string(b), outcomeError)
		executionsTotal.WithLabelValues(string(b), outcomeTimeout)
	}
}

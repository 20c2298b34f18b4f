package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memoryscope_pipeline_duration_seconds",
			Help:    "Wall-clock duration of a full pipeline run",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"pipeline"},
	)

	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryscope_pipeline_runs_total",
			Help: "Pipeline runs by outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	WorkerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memoryscope_worker_duration_seconds",
			Help:    "Duration of a single worker run",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"worker"},
	)

	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryscope_backend_errors_total",
			Help: "Model or store calls that failed inside a worker",
		},
		[]string{"worker", "backend"},
	)

	SchedulerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryscope_scheduler_cycles_total",
			Help: "Backend loop cycles by outcome (run, skipped, failed)",
		},
		[]string{"scheduler", "outcome"},
	)

	StoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryscope_store_operations_total",
			Help: "Store operations issued by memory commits",
		},
		[]string{"action"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

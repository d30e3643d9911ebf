package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmittedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_submitted_total", Help: "Analysis jobs accepted and enqueued"})
	SubmitFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_submit_failures_total", Help: "Rejected or failed submissions by reason"}, []string{"reason"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_completed_total", Help: "Jobs that finished with a result"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_failed_total", Help: "Jobs that finished in failed state"})
	JobsAbandoned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_abandoned_total", Help: "Redelivered in-progress jobs marked failed"})
	JobsSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_skipped_total", Help: "Deliveries short-circuited because the job was already terminal or missing"})
	CleanupFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_cleanup_failures_total", Help: "Transient input deletions that failed"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_queue_depth", Help: "Descriptors waiting in the ready list"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_inflight", Help: "Jobs currently executing on this worker"})
	PipelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "analysis_pipeline_duration_seconds", Help: "Wall time of analysis pipeline runs", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once per process.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			SubmittedCounter,
			SubmitFailures,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsAbandoned,
			JobsSkipped,
			CleanupFailures,
			QueueDepthGauge,
			InFlightGauge,
			PipelineDuration,
		)
	})
}

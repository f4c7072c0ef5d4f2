package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued         = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_enqueued_total", Help: "Jobs created or refreshed via enqueue"})
	JobsCompleted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried          = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_retried_total", Help: "Jobs that failed and were rescheduled with backoff"})
	JobsExhausted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_exhausted_total", Help: "Jobs that exhausted their attempts and hit the terminal policy"})
	ProbeTransientErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_probe_transient_errors_total", Help: "Availability probes that failed transiently and assumed the store is up"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_ingest_rate_limit_rejects_total", Help: "Webhook deliveries rejected by the rate limiter"})
	BacklogGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_jobs_backlog", Help: "Queued jobs eligible to run right now"})
	JobsInFlight         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsExhausted,
			ProbeTransientErrors,
			RateLimitRejects,
			BacklogGauge,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}

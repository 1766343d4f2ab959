package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "textdetect_jobs_submitted_total",
		Help: "Total number of classification jobs submitted",
	})

	JobsSucceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "textdetect_jobs_succeeded_total",
		Help: "Total number of jobs that produced a result",
	})

	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "textdetect_jobs_failed_total",
		Help: "Total number of jobs set to FAILED, by error kind",
	}, []string{"kind"})

	JobProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "textdetect_job_processing_duration_seconds",
		Help:    "Time spent in the extraction and inference pipeline",
		Buckets: prometheus.DefBuckets,
	})

	DeliveriesRetriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "textdetect_deliveries_retried_total",
		Help: "Deliveries scheduled for another attempt",
	})

	DeliveriesDeadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "textdetect_deliveries_dead_total",
		Help: "Deliveries moved to the failed set",
	})

	InferenceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "textdetect_inference_total",
		Help: "Inference calls by mode (model or fallback)",
	}, []string{"mode"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "textdetect_active_workers",
		Help: "Current number of running workers",
	})
)

// NewServer exposes the default registry on /metrics, for processes without
// an API router.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

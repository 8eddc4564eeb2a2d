package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of LLM provider calls by operation and outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "LLM provider call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)

	EmbeddingBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embedding_batches_total",
			Help: "Total number of embedding batches by outcome",
		},
		[]string{"outcome"},
	)
	EmbeddingBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "embedding_batch_duration_seconds",
			Help:    "Embedding batch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of job attempts that failed and were requeued",
		},
		[]string{"type"},
	)
	JobsStalledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_stalled_total",
			Help: "Total number of jobs reclaimed after a missed heartbeat",
		},
		[]string{"type"},
	)

	// Research outcome distributions
	IdeasPerSession = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_ideas_per_session",
			Help:    "Distribution of raw ideas collected per session",
			Buckets: []float64{0, 5, 10, 15, 20, 30, 50},
		},
	)
	DuplicateRatio = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_duplicate_ratio",
			Help:    "Fraction of ideas flagged duplicate per session",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
	ClustersPerSession = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_clusters_per_session",
			Help:    "Distribution of clusters per session",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of research pipeline stages",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
)

var initOnce sync.Once

// InitMetrics registers all collectors; safe to call from both binaries
// and from tests.
func InitMetrics() {
	initOnce.Do(registerAll)
}

func registerAll() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(EmbeddingBatchesTotal)
	prometheus.MustRegister(EmbeddingBatchDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsStalledTotal)
	prometheus.MustRegister(IdeasPerSession)
	prometheus.MustRegister(DuplicateRatio)
	prometheus.MustRegister(ClustersPerSession)
	prometheus.MustRegister(PipelineStageDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveProviderRequest records one adapter attempt outcome.
func ObserveProviderRequest(provider, operation, outcome string, seconds float64) {
	ProviderRequestsTotal.WithLabelValues(provider, operation, outcome).Inc()
	ProviderRequestDuration.WithLabelValues(provider, operation).Observe(seconds)
}

// ObserveEmbeddingBatch records one embedding batch outcome.
func ObserveEmbeddingBatch(outcome string, seconds float64) {
	EmbeddingBatchesTotal.WithLabelValues(outcome).Inc()
	EmbeddingBatchDuration.Observe(seconds)
}

// ObserveStage records the wall time of a pipeline stage.
func ObserveStage(stage string, seconds float64) {
	PipelineStageDuration.WithLabelValues(stage).Observe(seconds)
}

// ObserveResearchOutcome records the dedup summary of a completed session.
func ObserveResearchOutcome(total, duplicates, clusters int) {
	IdeasPerSession.Observe(float64(total))
	if total > 0 {
		DuplicateRatio.Observe(float64(duplicates) / float64(total))
	}
	ClustersPerSession.Observe(float64(clusters))
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

func RetryJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsRetriedTotal.WithLabelValues(jobType).Inc()
}

func StallJob(jobType string) {
	JobsStalledTotal.WithLabelValues(jobType).Inc()
}

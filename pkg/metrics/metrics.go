// Package metrics records Prometheus metrics for query handling, service
// fan-out, caching, and resilience behavior.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the gateway and orchestrator metric families.
type Recorder struct {
	queriesTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	serviceRequests  *prometheus.CounterVec
	serviceDuration  *prometheus.HistogramVec
	cacheEvents      *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	rateLimitWaits   *prometheus.HistogramVec
	answerTokens     *prometheus.CounterVec
	recordsRetrieved *prometheus.HistogramVec
}

// NewRecorder creates and registers the metric families with the default
// registry.
func NewRecorder() *Recorder {
	return &Recorder{
		queriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_queries_total",
				Help: "Total number of user queries by route tier and status",
			},
			[]string{"tier", "status"},
		),
		queryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_query_duration_seconds",
				Help:    "End-to-end query handling duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier"},
		),
		serviceRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_service_requests_total",
				Help: "Total upstream service requests by service and status",
			},
			[]string{"service", "status"},
		),
		serviceDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_service_duration_seconds",
				Help:    "Upstream service request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		cacheEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_events_total",
				Help: "Cache lookups by service and outcome (hit, miss)",
			},
			[]string{"service", "outcome"},
		),
		breakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_breaker_state",
				Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),
		rateLimitWaits: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_rate_limit_wait_seconds",
				Help:    "Time spent waiting for a rate limit slot",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		answerTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_answer_tokens_total",
				Help: "Tokens used generating answers, by provider and type",
			},
			[]string{"provider", "type"},
		),
		recordsRetrieved: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_records_retrieved",
				Help:    "Records returned per fan-out, by service",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
			},
			[]string{"service"},
		),
	}
}

// RecordQuery records one handled user query.
func (r *Recorder) RecordQuery(tier, status string, duration time.Duration) {
	r.queriesTotal.WithLabelValues(tier, status).Inc()
	r.queryDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// RecordServiceRequest records one upstream service call.
func (r *Recorder) RecordServiceRequest(service, status string, duration time.Duration) {
	r.serviceRequests.WithLabelValues(service, status).Inc()
	r.serviceDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordCacheEvent records a cache lookup outcome.
func (r *Recorder) RecordCacheEvent(service, outcome string) {
	r.cacheEvents.WithLabelValues(service, outcome).Inc()
}

// SetBreakerState records the current breaker state for a service.
func (r *Recorder) SetBreakerState(service string, state int) {
	r.breakerState.WithLabelValues(service).Set(float64(state))
}

// RecordRateLimitWait records time spent waiting for a slot.
func (r *Recorder) RecordRateLimitWait(service string, wait time.Duration) {
	r.rateLimitWaits.WithLabelValues(service).Observe(wait.Seconds())
}

// RecordAnswerTokens records token usage for an answer generation.
func (r *Recorder) RecordAnswerTokens(provider string, promptTokens, completionTokens int) {
	r.answerTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	r.answerTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
}

// RecordRetrieval records how many records one service returned.
func (r *Recorder) RecordRetrieval(service string, count int) {
	r.recordsRetrieved.WithLabelValues(service).Observe(float64(count))
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

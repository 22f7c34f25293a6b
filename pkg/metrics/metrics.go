// Package metrics exposes Prometheus counters and histograms for a run: a
// promauto CounterVec/HistogramVec shape behind a Recorder seam (an
// interface the dispatcher calls through so a nil or no-op recorder costs
// nothing), labeled by what matters for a request-file run: model, provider,
// and per metric the terminal outcome (success/failure) or token direction
// (prompt/completion).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives per-attempt observations. The dispatcher holds one and
// calls it after every terminal outcome; NewNoop returns a Recorder that
// discards everything, for callers that don't want a /metrics endpoint.
type Recorder interface {
	ObserveRequest(model, provider string, promptTokens, completionTokens int, costUSD float64, success bool)
	ObserveDuration(model, provider string, seconds float64)
	ObserveThrottle(model, provider string)
	ObserveQueueWait(model, provider string, seconds float64)
}

// NoopRecorder discards every observation.
type NoopRecorder struct{}

func NewNoop() *NoopRecorder { return &NoopRecorder{} }

func (NoopRecorder) ObserveRequest(string, string, int, int, float64, bool) {}
func (NoopRecorder) ObserveDuration(string, string, float64)                {}
func (NoopRecorder) ObserveThrottle(string, string)                         {}
func (NoopRecorder) ObserveQueueWait(string, string, float64)               {}

// PrometheusRecorder registers and updates the metric vectors. Construct one
// per process (not per run) and pass it to every Dispatcher; labels carry
// the per-run dimensions.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	throttleTotal   *prometheus.CounterVec
	queueWaitTime   *prometheus.HistogramVec
}

// NewPrometheus constructs a PrometheusRecorder and registers its vectors
// against reg. Pass prometheus.DefaultRegisterer to expose them via
// promhttp.Handler() at the process's usual /metrics endpoint.
func NewPrometheus(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmbatch_requests_total",
			Help: "Total LLM requests attempted, labeled by model, provider and outcome.",
		}, []string{"model", "provider", "status"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmbatch_tokens_total",
			Help: "Total tokens billed, labeled by model, provider and token direction.",
		}, []string{"model", "provider", "direction"}),
		costsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmbatch_cost_usd_total",
			Help: "Total estimated cost in USD, labeled by model and provider.",
		}, []string{"model", "provider"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmbatch_request_duration_seconds",
			Help:    "Latency of a completed LLM request, labeled by model and provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model", "provider"}),
		throttleTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmbatch_throttle_total",
			Help: "Count of rate-limit cool-downs entered, labeled by model and provider.",
		}, []string{"model", "provider"}),
		queueWaitTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmbatch_queue_wait_seconds",
			Help:    "Time a request spent waiting for capacity admission.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model", "provider"}),
	}
}

// ObserveRequest records one terminal outcome (success or permanent failure).
func (r *PrometheusRecorder) ObserveRequest(model, provider string, promptTokens, completionTokens int, costUSD float64, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	r.requestsTotal.WithLabelValues(model, provider, status).Inc()
	if success {
		r.tokensTotal.WithLabelValues(model, provider, "prompt").Add(float64(promptTokens))
		r.tokensTotal.WithLabelValues(model, provider, "completion").Add(float64(completionTokens))
		r.costsTotal.WithLabelValues(model, provider).Add(costUSD)
	}
}

// ObserveDuration records the wall-clock time a completed HTTP attempt took.
func (r *PrometheusRecorder) ObserveDuration(model, provider string, seconds float64) {
	r.requestDuration.WithLabelValues(model, provider).Observe(seconds)
}

// ObserveThrottle records one rate-limit cool-down.
func (r *PrometheusRecorder) ObserveThrottle(model, provider string) {
	r.throttleTotal.WithLabelValues(model, provider).Inc()
}

// ObserveQueueWait records how long a request waited for capacity admission.
func (r *PrometheusRecorder) ObserveQueueWait(model, provider string, seconds float64) {
	r.queueWaitTime.WithLabelValues(model, provider).Observe(seconds)
}

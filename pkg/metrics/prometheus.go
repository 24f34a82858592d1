package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal    *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	throttleTotal    *prometheus.CounterVec
	queueWaitTime    *prometheus.HistogramVec
	stageDuration    *prometheus.HistogramVec
	isolatedFailures *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the storycomic metrics with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storycomic_provider_requests_total",
				Help: "Total number of provider requests by kind, model and status",
			},
			[]string{"kind", "model", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storycomic_provider_tokens_total",
				Help: "Estimated tokens sent to and received from text providers",
			},
			[]string{"model", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storycomic_provider_request_duration_seconds",
				Help:    "Duration of provider requests in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
			},
			[]string{"kind", "model"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storycomic_throttle_total",
				Help: "Total number of rate limiting events",
			},
			[]string{"model", "reason"},
		),
		queueWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storycomic_queue_wait_duration_seconds",
				Help:    "Time spent waiting for rate limit availability",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storycomic_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"stage", "status"},
		),
		isolatedFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storycomic_isolated_failures_total",
				Help: "Stage failures absorbed without aborting the run",
			},
			[]string{"stage", "error_type"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storycomic_runs_total",
				Help: "Pipeline runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storycomic_run_duration_seconds",
				Help:    "End-to-end pipeline run duration in seconds",
				Buckets: []float64{1, 5, 10, 20, 40, 80, 160, 320},
			},
			[]string{"mode"},
		),
	}
}

// ObserveRequest records metrics for a completed provider request.
func (p *PrometheusRecorder) ObserveRequest(
	kind, model string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := statusSuccess
	if !success {
		status = statusError
	}

	p.requestsTotal.WithLabelValues(kind, model, status, errorType).Inc()

	if success && kind == KindText {
		p.tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}

	p.requestDuration.WithLabelValues(kind, model).Observe(duration.Seconds())
}

// IncThrottle increments the throttle counter.
func (p *PrometheusRecorder) IncThrottle(model, reason string) {
	p.throttleTotal.WithLabelValues(model, reason).Inc()
}

// ObserveQueueWait records time spent waiting for rate limit availability.
func (p *PrometheusRecorder) ObserveQueueWait(model string, duration time.Duration) {
	p.queueWaitTime.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveStage records one pipeline stage.
func (p *PrometheusRecorder) ObserveStage(stage string, success bool, duration time.Duration) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	p.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncIsolatedFailure counts an absorbed stage failure.
func (p *PrometheusRecorder) IncIsolatedFailure(stage, errorType string) {
	p.isolatedFailures.WithLabelValues(stage, errorType).Inc()
}

// ObserveRun records a whole pipeline run.
func (p *PrometheusRecorder) ObserveRun(mode, outcome string, duration time.Duration) {
	p.runsTotal.WithLabelValues(mode, outcome).Inc()
	p.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

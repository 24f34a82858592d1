// Package metrics provides metrics recording for generation clients and pipeline runs.
package metrics

import (
	"time"
)

// Client kinds used as the "kind" label.
const (
	KindText  = "text"
	KindImage = "image"
)

// Recorder records generation and pipeline metrics.
type Recorder interface {
	// ObserveRequest records a completed provider call.
	ObserveRequest(
		kind, model string,
		promptTokens, completionTokens int,
		success bool,
		errorType string,
		duration time.Duration,
	)

	// IncThrottle increments the throttle counter for rate limiting events.
	IncThrottle(model, reason string)

	// ObserveQueueWait records time spent waiting for rate limit availability.
	ObserveQueueWait(model string, duration time.Duration)

	// ObserveStage records one pipeline stage.
	ObserveStage(stage string, success bool, duration time.Duration)

	// IncIsolatedFailure counts a failure that was absorbed instead of aborting a run.
	IncIsolatedFailure(stage, errorType string)

	// ObserveRun records a whole pipeline run.
	ObserveRun(mode, outcome string, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveRequest(_, _ string, _, _ int, _ bool, _ string, _ time.Duration) {}

func (n *NoopRecorder) IncThrottle(_, _ string) {}

func (n *NoopRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

func (n *NoopRecorder) ObserveStage(_ string, _ bool, _ time.Duration) {}

func (n *NoopRecorder) IncIsolatedFailure(_, _ string) {}

func (n *NoopRecorder) ObserveRun(_, _ string, _ time.Duration) {}

// Package metrics provides metrics recording and exposure for sidecar operations.
package metrics

import (
	"time"
)

// Recorder defines the interface for recording coordination metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed gateway request.
	ObserveRequest(model string, success bool, errorType string, duration time.Duration)

	// IncRetry increments the retry counter for gateway requests.
	IncRetry(model, reason string)

	// ObserveRound records a resolved coordination round and its duration.
	ObserveRound(mode string, duration time.Duration)

	// IncRoundExpired increments the counter for rounds that failed open.
	IncRoundExpired(reason string)

	// IncDispatch increments the dispatch counter for a holder outcome.
	IncDispatch(outcome string)

	// IncDedupHit increments the duplicate counter for a dedup window.
	IncDedupHit(window string)

	// IncInbound increments the delivery counter for an inbound path.
	IncInbound(path string)

	// AddQuarantined adds to the counter of rows quarantined at boot.
	AddQuarantined(count int)

	// ObserveSemaphoreWait records time spent waiting for a semaphore slot.
	ObserveSemaphoreWait(name string, duration time.Duration)

	// IncReconnect increments the realtime reconnect counter.
	IncReconnect()
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(_ string, _ bool, _ string, _ time.Duration) {
	// No-op
}

// IncRetry does nothing in the no-op recorder.
func (n *NoopRecorder) IncRetry(_, _ string) {
	// No-op
}

// ObserveRound does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRound(_ string, _ time.Duration) {
	// No-op
}

// IncRoundExpired does nothing in the no-op recorder.
func (n *NoopRecorder) IncRoundExpired(_ string) {
	// No-op
}

// IncDispatch does nothing in the no-op recorder.
func (n *NoopRecorder) IncDispatch(_ string) {
	// No-op
}

// IncDedupHit does nothing in the no-op recorder.
func (n *NoopRecorder) IncDedupHit(_ string) {
	// No-op
}

// IncInbound does nothing in the no-op recorder.
func (n *NoopRecorder) IncInbound(_ string) {
	// No-op
}

// AddQuarantined does nothing in the no-op recorder.
func (n *NoopRecorder) AddQuarantined(_ int) {
	// No-op
}

// ObserveSemaphoreWait does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveSemaphoreWait(_ string, _ time.Duration) {
	// No-op
}

// IncReconnect does nothing in the no-op recorder.
func (n *NoopRecorder) IncReconnect() {
	// No-op
}

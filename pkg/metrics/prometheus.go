package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	roundsTotal      *prometheus.CounterVec
	roundDuration    *prometheus.HistogramVec
	roundsExpired    *prometheus.CounterVec
	dispatchesTotal  *prometheus.CounterVec
	dedupHitsTotal   *prometheus.CounterVec
	inboundTotal     *prometheus.CounterVec
	quarantinedTotal prometheus.Counter
	semaphoreWait    *prometheus.HistogramVec
	reconnectsTotal  prometheus.Counter
}

// NewPrometheusRecorder creates a Prometheus-based metrics recorder registered
// on the default registry. Every collector carries a constant agent label so
// multi-sidecar deployments can aggregate per agent.
func NewPrometheusRecorder(agent string) *PrometheusRecorder {
	return newPrometheusRecorder(agent, prometheus.DefaultRegisterer)
}

func newPrometheusRecorder(agent string, reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"agent": agent}

	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "tandem_gateway_requests_total",
				Help:        "Total number of gateway requests by model, status, and error type",
				ConstLabels: constLabels,
			},
			[]string{"model", "status", "error_type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "tandem_gateway_request_duration_seconds",
				Help:        "Duration of gateway requests in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"model"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "tandem_gateway_retries_total",
				Help:        "Total number of gateway request retries by model and reason",
				ConstLabels: constLabels,
			},
			[]string{"model", "reason"},
		),
		roundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "tandem_rounds_total",
				Help:        "Total number of resolved coordination rounds by dispatch mode",
				ConstLabels: constLabels,
			},
			[]string{"mode"},
		),
		roundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "tandem_round_duration_seconds",
				Help:        "Duration of coordination rounds from trigger to resolution",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"mode"},
		),
		roundsExpired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "tandem_rounds_expired_total",
				Help:        "Total number of rounds that failed open by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		dispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "tandem_dispatches_total",
				Help:        "Total number of holder decisions by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		dedupHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "tandem_dedup_hits_total",
				Help:        "Total number of duplicates suppressed by dedup window",
				ConstLabels: constLabels,
			},
			[]string{"window"},
		),
		inboundTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "tandem_inbound_rows_total",
				Help:        "Total number of inbound rows delivered by path",
				ConstLabels: constLabels,
			},
			[]string{"path"},
		),
		quarantinedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "tandem_quarantined_rows_total",
				Help:        "Total number of pre-boot rows quarantined without delivery",
				ConstLabels: constLabels,
			},
		),
		semaphoreWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "tandem_semaphore_wait_duration_seconds",
				Help:        "Time spent waiting for a semaphore slot",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"name"},
		),
		reconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "tandem_reconnects_total",
				Help:        "Total number of realtime session reconnects",
				ConstLabels: constLabels,
			},
		),
	}
}

// ObserveRequest records metrics for a completed gateway request.
func (p *PrometheusRecorder) ObserveRequest(model string, success bool, errorType string, duration time.Duration) {
	// Determine status label
	status := "success"
	if !success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(model, status, errorType).Inc()
	p.requestDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// IncRetry increments the retry counter for gateway requests.
func (p *PrometheusRecorder) IncRetry(model, reason string) {
	p.retriesTotal.WithLabelValues(model, reason).Inc()
}

// ObserveRound records a resolved coordination round and its duration.
func (p *PrometheusRecorder) ObserveRound(mode string, duration time.Duration) {
	p.roundsTotal.WithLabelValues(mode).Inc()
	p.roundDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// IncRoundExpired increments the counter for rounds that failed open.
func (p *PrometheusRecorder) IncRoundExpired(reason string) {
	p.roundsExpired.WithLabelValues(reason).Inc()
}

// IncDispatch increments the dispatch counter for a holder outcome.
func (p *PrometheusRecorder) IncDispatch(outcome string) {
	p.dispatchesTotal.WithLabelValues(outcome).Inc()
}

// IncDedupHit increments the duplicate counter for a dedup window.
func (p *PrometheusRecorder) IncDedupHit(window string) {
	p.dedupHitsTotal.WithLabelValues(window).Inc()
}

// IncInbound increments the delivery counter for an inbound path.
func (p *PrometheusRecorder) IncInbound(path string) {
	p.inboundTotal.WithLabelValues(path).Inc()
}

// AddQuarantined adds to the counter of rows quarantined at boot.
func (p *PrometheusRecorder) AddQuarantined(count int) {
	if count <= 0 {
		return
	}
	p.quarantinedTotal.Add(float64(count))
}

// ObserveSemaphoreWait records time spent waiting for a semaphore slot.
func (p *PrometheusRecorder) ObserveSemaphoreWait(name string, duration time.Duration) {
	p.semaphoreWait.WithLabelValues(name).Observe(duration.Seconds())
}

// IncReconnect increments the realtime reconnect counter.
func (p *PrometheusRecorder) IncReconnect() {
	p.reconnectsTotal.Inc()
}

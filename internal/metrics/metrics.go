package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the autorun daemon.
// Every recorder is safe to call on a nil *Metrics.
type Metrics struct {
	// Controller metrics
	Enabled      prometheus.Gauge
	RunningAgent *prometheus.GaugeVec
	StartResults *prometheus.CounterVec
	StopResults  *prometheus.CounterVec
	Rotations    *prometheus.CounterVec
	Scans        *prometheus.CounterVec
	Skips        *prometheus.CounterVec
	WaitTimeouts *prometheus.CounterVec
	StartLatency *prometheus.HistogramVec

	// Backend metrics
	BackendRequests *prometheus.CounterVec
	BackendLatency  *prometheus.HistogramVec

	// System metrics
	EventsPublished     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			Enabled: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "autorun_enabled",
					Help: "Whether auto-run is enabled (1) or not (0)",
				},
			),
			RunningAgent: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "autorun_running_agent",
					Help: "Running agent (1 for the running agent type, 0 otherwise)",
				},
				[]string{"agent_type"},
			),
			StartResults: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autorun_start_results_total",
					Help: "Start attempts by result",
				},
				[]string{"agent_type", "result"},
			),
			StopResults: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autorun_stop_results_total",
					Help: "Stop-with-recovery outcomes",
				},
				[]string{"agent_type", "confirmed"},
			),
			Rotations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autorun_rotations_total",
					Help: "Rotations triggered by an agent earning rewards",
				},
				[]string{"agent_type"},
			),
			Scans: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autorun_scans_total",
					Help: "Completed scans by outcome",
				},
				[]string{"outcome"},
			),
			Skips: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autorun_skips_total",
					Help: "Candidates skipped during scans",
				},
				[]string{"agent_type", "reason"},
			),
			WaitTimeouts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autorun_wait_timeouts_total",
					Help: "Bounded waits that timed out",
				},
				[]string{"wait"},
			),
			StartLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "autorun_start_duration_seconds",
					Help:    "Time from start request to confirmed running agent",
					Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to 512s
				},
				[]string{"agent_type"},
			),
			BackendRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autorun_backend_requests_total",
					Help: "Requests made to the agent middleware",
				},
				[]string{"endpoint", "status"},
			),
			BackendLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "autorun_backend_request_duration_seconds",
					Help:    "Middleware request latency in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"endpoint"},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autorun_events_published_total",
					Help: "Events published to the message bus",
				},
				[]string{"event_type"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autorun_http_requests_total",
					Help: "Control API requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "autorun_http_request_duration_seconds",
					Help:    "Control API request duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

// SetEnabled records the enabled flag
func (m *Metrics) SetEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.Enabled.Set(1)
	} else {
		m.Enabled.Set(0)
	}
}

// SetRunningAgent marks agentType as the only running agent ("" for none)
func (m *Metrics) SetRunningAgent(agentType string) {
	if m == nil {
		return
	}
	m.RunningAgent.Reset()
	if agentType != "" {
		m.RunningAgent.WithLabelValues(agentType).Set(1)
	}
}

// RecordStart records a start outcome and, when started, its latency
func (m *Metrics) RecordStart(agentType, result string, seconds float64) {
	if m == nil {
		return
	}
	m.StartResults.WithLabelValues(agentType, result).Inc()
	if result == "started" {
		m.StartLatency.WithLabelValues(agentType).Observe(seconds)
	}
}

// RecordStop records a stop-with-recovery outcome
func (m *Metrics) RecordStop(agentType string, confirmed bool) {
	if m == nil {
		return
	}
	m.StopResults.WithLabelValues(agentType, boolLabel(confirmed)).Inc()
}

// RecordRotation records a rotation trigger
func (m *Metrics) RecordRotation(agentType string) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(agentType).Inc()
}

// RecordScan records a finished scan
func (m *Metrics) RecordScan(outcome string) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(outcome).Inc()
}

// RecordSkip records a skipped candidate
func (m *Metrics) RecordSkip(agentType, reason string) {
	if m == nil {
		return
	}
	m.Skips.WithLabelValues(agentType, reason).Inc()
}

// RecordWaitTimeout records a wait primitive timing out
func (m *Metrics) RecordWaitTimeout(wait string) {
	if m == nil {
		return
	}
	m.WaitTimeouts.WithLabelValues(wait).Inc()
}

// RecordBackendRequest records a middleware API call
func (m *Metrics) RecordBackendRequest(endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(endpoint, status).Inc()
	m.BackendLatency.WithLabelValues(endpoint).Observe(seconds)
}

// RecordEventPublished records a message bus publish
func (m *Metrics) RecordEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

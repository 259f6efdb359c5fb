// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "bedrock_relay"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionDisconnect *prometheus.CounterVec
	AcceptsThrottled  prometheus.Counter

	// Packet metrics
	Packets          *prometheus.CounterVec
	Bytes            *prometheus.CounterVec
	PacketsSwallowed *prometheus.CounterVec
	ListenerFaults   *prometheus.CounterVec
	PendingDropped   prometheus.Counter

	// Outbound connect metrics
	ConnectAttempts *prometheus.CounterVec
	ConnectBackoff  prometheus.Histogram
	ConnectWait     prometheus.Histogram
	ConnectLatency  prometheus.Histogram

	// Login metrics
	AuthFailures    *prometheus.CounterVec
	CodecNegotiated *prometheus.CounterVec
	Transfers       prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently relayed sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions accepted",
		}),
		SessionDisconnect: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_disconnects_total",
			Help:      "Total session disconnects by cause",
		}, []string{"cause"}),
		AcceptsThrottled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepts_throttled_total",
			Help:      "Total inbound connections refused by accept throttling",
		}),

		Packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Total packets relayed by direction",
		}, []string{"direction"}),
		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total batch bytes relayed by direction",
		}, []string{"direction"}),
		PacketsSwallowed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_swallowed_total",
			Help:      "Total packets swallowed by listeners by direction",
		}, []string{"direction"}),
		ListenerFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_faults_total",
			Help:      "Total listener panics by hook",
		}, []string{"stage"}),
		PendingDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_dropped_total",
			Help:      "Total packets dropped because the pending queue was full",
		}),

		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total outbound connect attempts by outcome",
		}, []string{"outcome"}),
		ConnectBackoff: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_backoff_seconds",
			Help:      "Histogram of retry backoff delays",
			Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 16, 32},
		}),
		ConnectWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_throttle_wait_seconds",
			Help:      "Histogram of time spent waiting on throttling and rate limits",
			Buckets:   []float64{.1, .5, 1, 3, 10, 30, 60},
		}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of time from login to an established server connection",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total login failures by auth mode",
		}, []string{"mode"}),
		CodecNegotiated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codec_negotiated_total",
			Help:      "Total codec negotiations by game version",
		}, []string{"version"}),
		Transfers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total server transfers intercepted",
		}),
	}
}

// RecordSessionStart records an accepted session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionEnd records a closed session.
func (m *Metrics) RecordSessionEnd(cause string) {
	m.SessionsActive.Dec()
	m.SessionDisconnect.WithLabelValues(cause).Inc()
}

// RecordPacket records a relayed packet.
func (m *Metrics) RecordPacket(direction string) {
	m.Packets.WithLabelValues(direction).Inc()
}

// RecordBytes adds relayed bytes for a direction.
func (m *Metrics) RecordBytes(direction string, n uint64) {
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}

// RecordSwallowed records a packet swallowed by a listener.
func (m *Metrics) RecordSwallowed(direction string) {
	m.PacketsSwallowed.WithLabelValues(direction).Inc()
}

// RecordListenerFault records a listener panic.
func (m *Metrics) RecordListenerFault(stage string) {
	m.ListenerFaults.WithLabelValues(stage).Inc()
}

// RecordConnectAttempt records the outcome of one dial.
func (m *Metrics) RecordConnectAttempt(outcome string) {
	m.ConnectAttempts.WithLabelValues(outcome).Inc()
}

// RecordBackoff records a retry delay.
func (m *Metrics) RecordBackoff(d time.Duration) {
	m.ConnectBackoff.Observe(d.Seconds())
}

// RecordWait records time spent throttled before connecting.
func (m *Metrics) RecordWait(d time.Duration) {
	m.ConnectWait.Observe(d.Seconds())
}

// RecordConnectLatency records time from login to a ready server connection.
func (m *Metrics) RecordConnectLatency(d time.Duration) {
	m.ConnectLatency.Observe(d.Seconds())
}

// RecordAuthFailure records a failed login.
func (m *Metrics) RecordAuthFailure(mode string) {
	m.AuthFailures.WithLabelValues(mode).Inc()
}

// RecordCodec records a negotiated game version.
func (m *Metrics) RecordCodec(version string) {
	m.CodecNegotiated.WithLabelValues(version).Inc()
}

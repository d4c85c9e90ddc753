package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the server's Prometheus instrumentation under the
// collabvm namespace.
type Metrics struct {
	activeSessions   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	ipRejections     prometheus.Counter
	framesIn         prometheus.Counter
	framesOut        prometheus.Counter
	protocolErrors   prometheus.Counter
	slowConsumers    prometheus.Counter
	recordingBytes   prometheus.Counter
	captchaFailures  prometheus.Counter
	guestAllocations prometheus.Counter
}

// NewMetrics registers the server metrics with a registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	ns := "collabvm"

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_sessions",
			Help:      "Number of connected WebSocket sessions.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sessions_total",
			Help:      "Total sessions accepted.",
		}),
		ipRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "ip_rejections_total",
			Help:      "Connections rejected by the per-IP cap.",
		}),
		framesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_in_total",
			Help:      "Client frames received.",
		}),
		framesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_out_total",
			Help:      "Server frames written.",
		}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "protocol_errors_total",
			Help:      "Connections closed for protocol violations.",
		}),
		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "slow_consumer_disconnects_total",
			Help:      "Sessions disconnected for send queue overflow.",
		}),
		recordingBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "recording_bytes_total",
			Help:      "Bytes appended to recording files.",
		}),
		captchaFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "captcha_failures_total",
			Help:      "CAPTCHA verifications that denied an action.",
		}),
		guestAllocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "guest_allocations_total",
			Help:      "Guest usernames allocated.",
		}),
	}
}

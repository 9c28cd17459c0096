// Package metrics exposes prometheus collectors for the quiz host.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lanquiz"

// Metrics is nil-safe: every method is a no-op on a nil receiver so the host
// can run without a registry.
type Metrics struct {
	connections     prometheus.Gauge
	framesIn        *prometheus.CounterVec
	framesOut       prometheus.Counter
	decodeErrors    prometheus.Counter
	slowConsumers   prometheus.Counter
	discoveryProbes *prometheus.CounterVec
	broadcasts      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently registered participant connections",
		}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Decoded frames received from participants by message type",
		}, []string{"type"}),
		framesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to participant connections",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames dropped because they could not be decoded",
		}),
		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumers_dropped_total",
			Help:      "Connections closed because their outbox was full",
		}),
		discoveryProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_probes_total",
			Help:      "Discovery datagrams received, by outcome",
		}, []string{"outcome"}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_broadcasts_total",
			Help:      "Snapshot broadcasts fanned out to all connections",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) FrameReceived(msgType string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(msgType).Inc()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.framesOut.Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) SlowConsumerDropped() {
	if m == nil {
		return
	}
	m.slowConsumers.Inc()
}

// DiscoveryProbe records a probe outcome: "answered" or "ignored".
func (m *Metrics) DiscoveryProbe(outcome string) {
	if m == nil {
		return
	}
	m.discoveryProbes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

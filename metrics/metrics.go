// Package metrics defines the Prometheus collectors exported by the relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Drop reasons used as the "reason" label of FramesDropped.
const (
	ReasonDecode     = "decode"
	ReasonValidation = "validation"
	ReasonNotFound   = "not_found"
	ReasonSendFailed = "send_failed"
	ReasonKind       = "unexpected_kind"
	ReasonTooLarge   = "too_large"
)

// Metrics groups the relay collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	SessionsActive      prometheus.Gauge
	SessionsTotal       prometheus.Counter
	FramesReceived      *prometheus.CounterVec
	FramesDropped       *prometheus.CounterVec
	DirectMessages      prometheus.Counter
	DirectoryBroadcasts prometheus.Counter
	BroadcastDuration   prometheus.Histogram
	SendFailures        prometheus.Counter
}

// New creates the collectors and registers them with reg. Pass a fresh
// prometheus.NewRegistry() per server to keep servers independent.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently registered",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted sessions",
		}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of decoded inbound frames by message kind",
		}, []string{"kind"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of inbound frames dropped by reason",
		}, []string{"reason"}),
		DirectMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "direct_messages_total",
			Help:      "Total number of client to client messages delivered",
		}),
		DirectoryBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_broadcasts_total",
			Help:      "Total number of directory broadcasts sent",
		}),
		BroadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Time spent delivering one directory broadcast",
			Buckets:   prometheus.DefBuckets,
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of failed sends to a connection",
		}),
	}
}

// SessionOpened records an accepted session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}

	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records a session leaving its loop.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}

	m.SessionsActive.Dec()
}

// FrameReceived records a decoded inbound frame of the given kind.
func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}

	m.FramesReceived.WithLabelValues(kind).Inc()
}

// FrameDropped records an inbound frame dropped for reason.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}

	m.FramesDropped.WithLabelValues(reason).Inc()
}

// DirectMessage records a delivered client to client message.
func (m *Metrics) DirectMessage() {
	if m == nil {
		return
	}

	m.DirectMessages.Inc()
}

// Broadcast records a completed directory broadcast.
func (m *Metrics) Broadcast(started time.Time, failures int) {
	if m == nil {
		return
	}

	m.DirectoryBroadcasts.Inc()
	m.BroadcastDuration.Observe(time.Since(started).Seconds())
	m.SendFailures.Add(float64(failures))
}

// SendFailed records one failed send outside a broadcast.
func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}

	m.SendFailures.Inc()
}

// Package metrics holds the Prometheus collectors for one bridge instance.
//
// Collectors are created per instance rather than as package globals so that
// tests can build several bridges in one process. Every method is safe to
// call on a nil *Metrics, which is how components run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "busbridge"

// Metrics groups the bridge collectors.
type Metrics struct {
	frames          *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pending         prometheus.Gauge
	connectionState prometheus.Gauge
	malformed       prometheus.Counter
	unmatched       prometheus.Counter
}

// New creates the collectors and registers them with r. A nil r skips
// registration, which is useful in tests that only read values directly.
func New(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Frames written to or read from the peer socket",
			},
			[]string{"direction", "type"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Forwarded local requests by outcome",
			},
			[]string{"address", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from local request to local reply",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"address"},
		),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_replies",
			Help:      "Reply addresses waiting for a peer reply",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "0=disconnected 1=connecting 2=ready 3=closed",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that could not be parsed",
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_replies_total",
			Help:      "Inbound frames that matched no pending reply address",
		}),
	}
	if r != nil {
		r.MustRegister(m.frames, m.requests, m.requestDuration, m.pending, m.connectionState, m.malformed, m.unmatched)
	}
	return m
}

// FrameOut counts a frame written to the peer.
func (m *Metrics) FrameOut(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("out", frameType).Inc()
}

// FrameIn counts a frame read from the peer.
func (m *Metrics) FrameIn(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("in", frameType).Inc()
}

// ObserveRequest records the outcome and latency of one forwarded request.
func (m *Metrics) ObserveRequest(address, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(address, outcome).Inc()
	m.requestDuration.WithLabelValues(address).Observe(d.Seconds())
}

// SetPending sets the number of outstanding reply addresses.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SetConnectionState records the connection state as its ordinal.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// MalformedFrame counts a frame the reader rejected.
func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// UnmatchedReply counts an inbound frame with no pending reply address.
func (m *Metrics) UnmatchedReply() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

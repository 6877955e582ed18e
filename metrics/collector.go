// Package metrics exports the daemon's Prometheus metrics.
package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rigado/ncp/security"
)

const namespace = "ncp"

// Channels and directions used as label values.
const (
	ChannelSerial    = "serial"
	ChannelEncrypted = "encrypted"
	ChannelPlaintext = "plaintext"

	DirRx = "rx"
	DirTx = "tx"
)

// Handshake results.
const (
	HandshakeStarted = "started"
	HandshakeOK      = "ok"
	HandshakeFailed  = "failed"
	HandshakeTimeout = "timeout"
)

// Collector holds the daemon metrics. All methods are safe on a nil
// Collector so the run loop can be built without metrics.
type Collector struct {
	// Frames counts link frames moved per channel and direction.
	Frames *prometheus.CounterVec

	// DecryptFailures counts inbound frames dropped by the security session.
	DecryptFailures *prometheus.CounterVec

	Handshakes *prometheus.CounterVec

	// SessionState is the numeric security state (0 undefined .. 3 encrypted).
	SessionState prometheus.Gauge

	Clients *prometheus.GaugeVec
}

// NewCollector registers the metrics against reg, or the default registerer
// when reg is nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Link frames forwarded, by channel and direction.",
		}, []string{"channel", "direction"}),

		DecryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "decrypt_failures_total",
			Help:      "Inbound frames dropped by the security session.",
		}, []string{"reason"}),

		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "handshakes_total",
			Help:      "Key exchanges by result.",
		}, []string{"result"}),

		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "session_state",
			Help:      "Security session state: 0 undefined, 1 unencrypted, 2 handshake, 3 encrypted.",
		}),

		Clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Connected socket clients per channel.",
		}, []string{"channel"}),
	}

	reg.MustRegister(c.Frames, c.DecryptFailures, c.Handshakes, c.SessionState, c.Clients)
	return c
}

func (c *Collector) IncFrames(channel, dir string) {
	if c == nil {
		return
	}
	c.Frames.WithLabelValues(channel, dir).Inc()
}

// IncDecryptFailure classifies err by its cause.
func (c *Collector) IncDecryptFailure(err error) {
	if c == nil {
		return
	}
	c.DecryptFailures.WithLabelValues(Reason(err)).Inc()
}

// Reason maps a security error to a short label value.
func Reason(err error) string {
	switch errors.Cause(err) {
	case security.ErrReplay:
		return "replay"
	case security.ErrAuth:
		return "auth"
	case security.ErrCounterGap:
		return "counter_gap"
	case security.ErrExhausted:
		return "exhausted"
	case security.ErrMalformed, security.ErrNotEncrypted:
		return "malformed"
	default:
		return "other"
	}
}

func (c *Collector) RecordHandshake(result string) {
	if c == nil {
		return
	}
	c.Handshakes.WithLabelValues(result).Inc()
}

// SetSessionState takes a security.State value.
func (c *Collector) SetSessionState(s int) {
	if c == nil {
		return
	}
	c.SessionState.Set(float64(s))
}

func (c *Collector) SetClient(channel string, connected bool) {
	if c == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	c.Clients.WithLabelValues(channel).Set(v)
}

package monitoring

import (
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/webrtc"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Sessions
	sessionsActive   *prometheus.GaugeVec
	sessionsOpened   *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec
	negotiationDelay *prometheus.HistogramVec

	// Signaling
	signalsSent        *prometheus.CounterVec
	signalsReceived    *prometheus.CounterVec
	protocolWarnings   *prometheus.CounterVec
	negotiationsFailed *prometheus.CounterVec
	relayErrors        *prometheus.CounterVec

	// Media
	rtpPackets prometheus.Counter
	rtpBytes   prometheus.Counter
	rtcp       *prometheus.CounterVec
}

var (
	_ ports.SignalingMetrics = (*PrometheusCollector)(nil)
	_ webrtc.MediaMetrics    = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers every metric with reg. Tests pass a
// fresh registry; main passes prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		sessionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "airwave_peer_sessions_active",
			Help: "Number of open peer sessions",
		}, []string{"role"}),

		sessionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_peer_sessions_opened_total",
			Help: "Total number of peer sessions opened",
		}, []string{"role"}),

		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_peer_sessions_closed_total",
			Help: "Total number of peer sessions closed",
		}, []string{"role", "reason"}),

		negotiationDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "airwave_negotiation_duration_seconds",
			Help:    "Time from session creation to a connected transport",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"role"}),

		signalsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_signals_sent_total",
			Help: "Total number of signals appended to the relay",
		}, []string{"kind"}),

		signalsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_signals_received_total",
			Help: "Total number of signals delivered to this participant",
		}, []string{"kind"}),

		protocolWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_protocol_warnings_total",
			Help: "Signals dropped or ignored",
		}, []string{"reason"}),

		negotiationsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_negotiations_failed_total",
			Help: "Peer sessions ended by a negotiation failure",
		}, []string{"reason"}),

		relayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_relay_errors_total",
			Help: "Failed relay operations",
		}, []string{"op"}),

		rtpPackets: f.NewCounter(prometheus.CounterOpts{
			Name: "airwave_rtp_packets_received_total",
			Help: "RTP packets read from remote audio tracks",
		}),

		rtpBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "airwave_rtp_bytes_received_total",
			Help: "RTP bytes read from remote audio tracks",
		}),

		rtcp: f.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_rtcp_packets_received_total",
			Help: "RTCP packets read from listener senders",
		}, []string{"type"}),
	}
}

func (p *PrometheusCollector) SessionOpened(role domain.Role) {
	p.sessionsOpened.WithLabelValues(string(role)).Inc()
	p.sessionsActive.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) SessionClosed(role domain.Role, reason string) {
	p.sessionsClosed.WithLabelValues(string(role), reason).Inc()
	p.sessionsActive.WithLabelValues(string(role)).Dec()
}

func (p *PrometheusCollector) SessionConnected(role domain.Role, negotiation time.Duration) {
	p.negotiationDelay.WithLabelValues(string(role)).Observe(negotiation.Seconds())
}

func (p *PrometheusCollector) SignalSent(kind domain.SignalKind) {
	p.signalsSent.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) SignalReceived(kind domain.SignalKind) {
	p.signalsReceived.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ProtocolWarning(reason string) {
	p.protocolWarnings.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) NegotiationFailed(reason string) {
	p.negotiationsFailed.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RelayError(op string) {
	p.relayErrors.WithLabelValues(op).Inc()
}

func (p *PrometheusCollector) RTPReceived(bytes int) {
	p.rtpPackets.Inc()
	p.rtpBytes.Add(float64(bytes))
}

func (p *PrometheusCollector) RTCPReceived(packetType string) {
	p.rtcp.WithLabelValues(packetType).Inc()
}

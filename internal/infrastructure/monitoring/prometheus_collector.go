package monitoring

import (
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements services.Metrics on top of promauto-registered
// collectors. Construct it once per process; prometheus panics on duplicate
// registration.
type PrometheusCollector struct {
	participantsCurrent *prometheus.GaugeVec
	peersByState        *prometheus.GaugeVec
	connectionsTotal    prometheus.Counter
	connectionDuration  prometheus.Histogram

	envelopesPublished *prometheus.CounterVec
	envelopesReceived  *prometheus.CounterVec
	publishFailures    *prometheus.CounterVec

	negotiationFailures prometheus.Counter
}

var _ services.Metrics = (*PrometheusCollector)(nil)

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		participantsCurrent: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshroom_participants_current",
			Help: "Participants currently joined, per room",
		}, []string{"room_id"}),

		peersByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshroom_peer_sessions_current",
			Help: "Peer sessions by state",
		}, []string{"state"}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_peer_connections_total",
			Help: "Peer connections that reached the connected state",
		}),

		connectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshroom_peer_connection_setup_seconds",
			Help:    "Time from session creation to connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		envelopesPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_signal_envelopes_published_total",
			Help: "Signal envelopes published, per kind",
		}, []string{"kind"}),

		envelopesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_signal_envelopes_received_total",
			Help: "Signal envelopes received, per kind",
		}, []string{"kind"}),

		publishFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_signal_publish_failures_total",
			Help: "Signal envelopes dropped or failed to publish, per kind",
		}, []string{"kind"}),

		negotiationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_peer_negotiation_failures_total",
			Help: "Peer negotiations that failed or timed out",
		}),
	}
}

func (p *PrometheusCollector) RecordParticipantJoined(roomID domain.RoomID) {
	p.participantsCurrent.WithLabelValues(string(roomID)).Inc()
}

func (p *PrometheusCollector) RecordParticipantLeft(roomID domain.RoomID) {
	p.participantsCurrent.WithLabelValues(string(roomID)).Dec()
}

func (p *PrometheusCollector) RecordPeerStateChange(prev, next domain.PeerState) {
	if prev != domain.PeerAbsent {
		p.peersByState.WithLabelValues(string(prev)).Dec()
	}
	if next != domain.PeerClosed {
		p.peersByState.WithLabelValues(string(next)).Inc()
	}
}

func (p *PrometheusCollector) RecordConnectionEstablished(d time.Duration) {
	p.connectionsTotal.Inc()
	p.connectionDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordEnvelopePublished(kind domain.SignalKind) {
	p.envelopesPublished.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordEnvelopeReceived(kind domain.SignalKind) {
	p.envelopesReceived.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordPublishFailure(kind domain.SignalKind) {
	p.publishFailures.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordNegotiationFailure() {
	p.negotiationFailures.Inc()
}

package services

import (
	"time"

	"meshroom/internal/core/domain"
)

// Metrics is the hook the services report through; the prometheus collector
// in internal/infrastructure/monitoring implements it.
type Metrics interface {
	RecordParticipantJoined(roomID domain.RoomID)
	RecordParticipantLeft(roomID domain.RoomID)
	RecordPeerStateChange(prev, next domain.PeerState)
	RecordConnectionEstablished(d time.Duration)
	RecordEnvelopePublished(kind domain.SignalKind)
	RecordEnvelopeReceived(kind domain.SignalKind)
	RecordPublishFailure(kind domain.SignalKind)
	RecordNegotiationFailure()
}

type nopMetrics struct{}

func (nopMetrics) RecordParticipantJoined(domain.RoomID)       {}
func (nopMetrics) RecordParticipantLeft(domain.RoomID)         {}
func (nopMetrics) RecordPeerStateChange(_, _ domain.PeerState) {}
func (nopMetrics) RecordConnectionEstablished(time.Duration)   {}
func (nopMetrics) RecordEnvelopePublished(domain.SignalKind)   {}
func (nopMetrics) RecordEnvelopeReceived(domain.SignalKind)    {}
func (nopMetrics) RecordPublishFailure(domain.SignalKind)      {}
func (nopMetrics) RecordNegotiationFailure()                   {}

// NopMetrics returns a metrics sink that discards everything.
func NopMetrics() Metrics { return nopMetrics{} }

package ports

import (
	"github.com/pion/webrtc/v3"
)

// RemoteStream is a handle to one remote participant's inbound media,
// delivered by a PeerTransport once negotiation completes.
type RemoteStream interface {
	ID() string
	// Kinds lists the media kinds present, e.g. "audio", "video".
	Kinds() []string
	Close()
}

// TransportConfig constructs a PeerTransport for a single remote peer.
// Callbacks may be invoked from transport-internal goroutines; nil callbacks
// are ignored.
type TransportConfig struct {
	// Initiator selects which side authors the offer.
	Initiator bool
	// LocalTracks are attached to the connection before negotiation.
	LocalTracks []webrtc.TrackLocal

	// OnSignal emits an outbound negotiation payload (offer, answer or
	// candidate) to be relayed to the remote peer.
	OnSignal func(payload []byte)
	// OnConnect fires once, when the connection reaches the connected state.
	OnConnect func()
	// OnStream fires once remote media arrives.
	OnStream func(RemoteStream)
	OnError   func(error)
	OnClose   func()
}

// PeerTransport wraps one underlying peer connection. Implementations own
// negotiation ordering internally: payloads fed out of order are buffered or
// dropped, never an error.
type PeerTransport interface {
	// Signal feeds an inbound negotiation payload from the remote peer.
	Signal(payload []byte) error
	// Destroy tears the connection down. Idempotent.
	Destroy() error
}

// TransportFactory creates transports; the mesh orchestrator calls it once per
// remote peer.
type TransportFactory interface {
	NewTransport(cfg TransportConfig) (PeerTransport, error)
}

package domain

import "time"

// PeerState is the lifecycle of one remote peer's session as seen by the mesh
// orchestrator. Absent is the implicit state of any peer without a session.
type PeerState string

const (
	PeerAbsent     PeerState = "absent"
	PeerConnecting PeerState = "connecting"
	PeerConnected  PeerState = "connected"
	PeerClosed     PeerState = "closed"
)

// CanTransition reports whether the state machine permits moving to next.
// Closed is terminal; a Closed session is removed, not reused.
func (s PeerState) CanTransition(next PeerState) bool {
	switch s {
	case PeerAbsent:
		return next == PeerConnecting
	case PeerConnecting:
		return next == PeerConnected || next == PeerClosed
	case PeerConnected:
		return next == PeerClosed
	default:
		return false
	}
}

// PeerRole records which side started the negotiation.
type PeerRole string

const (
	RoleInitiator PeerRole = "initiator"
	RoleResponder PeerRole = "responder"
)

// PeerSessionInfo is the read-only snapshot of a peer session exposed to the
// presentation layer.
type PeerSessionInfo struct {
	PeerID      UserID    `json:"peer_id"`
	State       PeerState `json:"state"`
	Role        PeerRole  `json:"role"`
	HasStream   bool      `json:"has_stream"`
	CreatedAt   time.Time `json:"created_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

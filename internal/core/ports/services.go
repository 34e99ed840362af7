package ports

import (
	"context"

	"meshroom/internal/core/domain"
)

// MembershipService owns the authoritative participant list for a room.
type MembershipService interface {
	// Join writes the presence marker and participant entry. Idempotent under
	// retry: the same user overwrites, never duplicates.
	Join(ctx context.Context, roomID domain.RoomID, p domain.Participant) error
	// Leave deletes the presence marker and participant entry and posts a
	// leave notice to the room timeline. Idempotent.
	Leave(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error
	// ObserveMembers replays currently-present participants through onJoin and
	// then delivers joins and leaves as they happen. No ordering guarantee
	// between concurrent joins.
	ObserveMembers(ctx context.Context, roomID domain.RoomID, onJoin func(domain.PresenceMarker), onLeave func(domain.UserID)) (Subscription, error)
	GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	Participants(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error)
	// Close releases the service's own resources (caches, background work).
	// It does not close the underlying store. Idempotent.
	Close() error
}

// SignalingService relays negotiation envelopes through the shared store.
type SignalingService interface {
	// Publish appends an envelope to the per-kind room collection.
	// Fire-and-forget: failures are logged and counted, never returned as
	// fatal; a failed publish can stall one peer connection, not the session.
	Publish(ctx context.Context, roomID domain.RoomID, env domain.SignalEnvelope)
	// SubscribeEnvelopes delivers each newly appended envelope of the given
	// kind once per subscription. Recipient filtering is the consumer's job.
	SubscribeEnvelopes(ctx context.Context, roomID domain.RoomID, kind domain.SignalKind, onNew func(domain.SignalEnvelope)) (Subscription, error)
}

// PeerEvent notifies the session layer of a peer session change. Stream is
// non-nil only on the transition that attached remote media.
type PeerEvent struct {
	PeerID domain.UserID
	State  domain.PeerState
	Stream RemoteStream
}

// MeshOrchestrator converges the local client to exactly one live connection
// per remote participant. It exclusively owns the peer session set.
type MeshOrchestrator interface {
	Start(ctx context.Context, roomID domain.RoomID, self domain.Participant) error
	// Stop destroys every peer session and cancels all subscriptions.
	// Idempotent.
	Stop()
	Sessions() []domain.PeerSessionInfo
	// RemoteStream returns the attached stream for a connected peer, if any.
	RemoteStream(peerID domain.UserID) (RemoteStream, bool)
	OnPeerEvent(fn func(PeerEvent))
}

// SessionService sequences the whole room session lifecycle.
type SessionService interface {
	Join(ctx context.Context, roomID domain.RoomID) error
	// Leave tears the session down: media stopped, peer sessions destroyed,
	// membership removed, in that order. Safe to call more than once.
	Leave(ctx context.Context) error
	ToggleAudio() domain.LocalMediaState
	ToggleVideo() domain.LocalMediaState
	SendMessage(ctx context.Context, text string) error
	Snapshot() domain.SessionSnapshot
	// OnUpdate registers a listener for observable-state changes.
	OnUpdate(fn func(domain.SessionSnapshot))
}

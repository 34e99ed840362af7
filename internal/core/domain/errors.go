package domain

import "errors"

var (
	ErrStoreUnavailable      = errors.New("shared store unavailable")
	ErrMediaUnavailable      = errors.New("local media unavailable")
	ErrPeerNegotiationFailed = errors.New("peer negotiation failed")
	ErrRoomNotFound          = errors.New("room not found")
	ErrSessionClosed         = errors.New("session closed")
	ErrNotJoined             = errors.New("not joined to a room")
)

package domain

import (
	"encoding/json"
	"time"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalIceCandidate SignalKind = "ice"
)

// SignalEnvelope carries one negotiation message between two participants
// through the shared store. Envelopes are append-only: the core never mutates
// or deletes them, consumers ignore ids they have already processed.
type SignalEnvelope struct {
	ID        string          `json:"id,omitempty"`
	From      UserID          `json:"from"`
	To        UserID          `json:"to"`
	Kind      SignalKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Collection returns the per-kind signaling collection for a room.
func (k SignalKind) Collection(roomID RoomID) string {
	switch k {
	case SignalOffer:
		return CollectionOffers(roomID)
	case SignalAnswer:
		return CollectionAnswers(roomID)
	default:
		return CollectionIceCandidates(roomID)
	}
}

// Store collection layout. One document group per room, sub-collections per
// concern, mirroring the platform's shared-store schema.
func CollectionPresence(roomID RoomID) string      { return "rooms/" + string(roomID) + "/presence" }
func CollectionParticipants(roomID RoomID) string  { return "rooms/" + string(roomID) + "/participants" }
func CollectionOffers(roomID RoomID) string        { return "rooms/" + string(roomID) + "/offers" }
func CollectionAnswers(roomID RoomID) string       { return "rooms/" + string(roomID) + "/answers" }
func CollectionIceCandidates(roomID RoomID) string { return "rooms/" + string(roomID) + "/ice" }
func CollectionMessages(roomID RoomID) string      { return "rooms/" + string(roomID) + "/messages" }

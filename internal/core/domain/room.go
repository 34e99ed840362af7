package domain

import "time"

type RoomID string

// Room is created and owned by the surrounding platform; the collaboration
// core only reads its metadata.
type Room struct {
	ID        RoomID    `json:"id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type UserID string

// Participant is one entry in a room's membership list. At most one entry
// exists per UserID; a rejoin overwrites the previous entry (last write wins).
type Participant struct {
	UserID      UserID    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
}

// PresenceMarker mirrors session membership exactly: written once at join,
// deleted at leave, never updated. Late joiners discover existing peers by
// replaying the presence collection.
type PresenceMarker struct {
	UserID      UserID    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
}

// ChatMessage is a room timeline entry. The timeline itself belongs to the
// chat collaborator; the core appends join/leave notices and user messages.
type ChatMessage struct {
	ID         string    `json:"id,omitempty"`
	SenderID   UserID    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	System     bool      `json:"system,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

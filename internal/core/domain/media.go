package domain

// LocalMediaState is the snapshot of the local capture state. It is owned by
// the session controller and mutated only by explicit user toggles; toggling
// never touches peer sessions.
type LocalMediaState struct {
	AudioEnabled bool `json:"audio_enabled"`
	VideoEnabled bool `json:"video_enabled"`
}

// SessionState is the overall lifecycle of the local client's room session.
type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionJoining      SessionState = "joining"
	SessionActive       SessionState = "active"
	SessionLeaving      SessionState = "leaving"
	SessionTerminated   SessionState = "terminated"
)

// SessionSnapshot is the observable state contract for the presentation layer.
type SessionSnapshot struct {
	State        SessionState      `json:"state"`
	RoomID       RoomID            `json:"room_id,omitempty"`
	SelfID       UserID            `json:"self_id,omitempty"`
	Media        LocalMediaState   `json:"media"`
	Participants []Participant     `json:"participants"`
	Peers        []PeerSessionInfo `json:"peers"`
}

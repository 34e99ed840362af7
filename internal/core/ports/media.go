package ports

import (
	"meshroom/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// MediaSource is the local capture handle consumed by every peer transport.
// Enable toggles mute tracks in place; established connections are unaffected.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	State() domain.LocalMediaState
	// Close stops all tracks. Idempotent.
	Close() error
}

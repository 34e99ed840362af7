package media

import (
	"fmt"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// Source is the local media handle shared by every peer transport. Actual
// capture is external: a capture pipeline pushes encoded samples through
// WriteAudioSample/WriteVideoSample. Toggling mutes in place by dropping
// samples; the tracks, and therefore the peer connections, stay up.
type Source struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu           sync.Mutex
	audioEnabled bool
	videoEnabled bool
	closed       bool
}

var _ ports.MediaSource = (*Source)(nil)

func NewSource(audioEnabled, videoEnabled bool) (*Source, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"meshroom-local",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: audio track: %v", domain.ErrMediaUnavailable, err)
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"meshroom-local",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: video track: %v", domain.ErrMediaUnavailable, err)
	}

	return &Source{
		audio:        audio,
		video:        video,
		audioEnabled: audioEnabled,
		videoEnabled: videoEnabled,
	}, nil
}

func (s *Source) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

// WriteAudioSample forwards one encoded audio sample to the local track.
// Dropped silently while audio is disabled or the source is closed.
func (s *Source) WriteAudioSample(sample media.Sample) error {
	s.mu.Lock()
	ok := s.audioEnabled && !s.closed
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.audio.WriteSample(sample)
}

// WriteVideoSample forwards one encoded video sample to the local track.
func (s *Source) WriteVideoSample(sample media.Sample) error {
	s.mu.Lock()
	ok := s.videoEnabled && !s.closed
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.video.WriteSample(sample)
}

func (s *Source) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = enabled
}

func (s *Source) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoEnabled = enabled
}

func (s *Source) State() domain.LocalMediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.LocalMediaState{
		AudioEnabled: s.audioEnabled && !s.closed,
		VideoEnabled: s.videoEnabled && !s.closed,
	}
}

// Close stops accepting samples. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

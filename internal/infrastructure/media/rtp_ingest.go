package media

import (
	"net"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// RTPIngest bridges an external capture pipeline into the local source. A
// tool like GStreamer or ffmpeg sends pre-encoded RTP to a local UDP port;
// the ingest recovers sample durations from RTP timestamp deltas and forwards
// payloads to the matching track.
type RTPIngest struct {
	source *Source
	logger *zap.SugaredLogger
}

func NewRTPIngest(source *Source, logger *zap.SugaredLogger) *RTPIngest {
	return &RTPIngest{source: source, logger: logger}
}

// ServeAudio consumes Opus RTP from conn until it closes. clockRate is the
// codec clock, 48000 for Opus.
func (i *RTPIngest) ServeAudio(conn net.PacketConn, clockRate uint32) {
	i.serve(conn, clockRate, i.source.WriteAudioSample)
}

// ServeVideo consumes VP8 RTP from conn until it closes. clockRate is the
// codec clock, 90000 for video.
func (i *RTPIngest) ServeVideo(conn net.PacketConn, clockRate uint32) {
	i.serve(conn, clockRate, i.source.WriteVideoSample)
}

func (i *RTPIngest) serve(conn net.PacketConn, clockRate uint32, write func(media.Sample) error) {
	buf := make([]byte, 1500)
	var lastTS uint32
	var haveTS bool

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			i.logger.Infow("rtp ingest stopped", "error", err)
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			i.logger.Debugw("dropping malformed rtp packet", "error", err)
			continue
		}

		var duration time.Duration
		if haveTS {
			// wraparound-safe: uint32 subtraction
			delta := pkt.Timestamp - lastTS
			duration = time.Duration(delta) * time.Second / time.Duration(clockRate)
		}
		lastTS = pkt.Timestamp
		haveTS = true

		if err := write(media.Sample{Data: pkt.Payload, Duration: duration}); err != nil {
			i.logger.Warnw("failed to write ingested sample", "error", err)
		}
	}
}

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"meshroom/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const pliInterval = 3 * time.Second

// signalPayload is the opaque negotiation payload relayed between peers.
// Shape follows the offer/answer/candidate event contract of the underlying
// connection primitive.
type signalPayload struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Factory builds pion-backed peer transports with shared ICE configuration.
type Factory struct {
	iceServers []webrtc.ICEServer
	logger     *zap.SugaredLogger
}

func NewFactory(iceServers []webrtc.ICEServer, logger *zap.SugaredLogger) *Factory {
	return &Factory{iceServers: iceServers, logger: logger}
}

func (f *Factory) NewTransport(cfg ports.TransportConfig) (ports.PeerTransport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &Transport{
		pc:     pc,
		cfg:    cfg,
		logger: f.logger,
		done:   make(chan struct{}),
	}

	for _, track := range cfg.LocalTracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add local track: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.emitSignal(signalPayload{Type: "candidate", Candidate: &init})
	})

	pc.OnTrack(t.handleTrack)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			t.emitConnect()
		case webrtc.PeerConnectionStateFailed:
			t.emitError(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			t.emitClose()
		}
	})

	if cfg.Initiator {
		// A data channel guarantees the offer carries at least one media
		// section even when the local side has no tracks (receive-only).
		if _, err := pc.CreateDataChannel("negotiation", nil); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		if err := t.sendOffer(); err != nil {
			pc.Close()
			return nil, err
		}
	}

	return t, nil
}

// Transport wraps one RTCPeerConnection toward a single remote peer.
type Transport struct {
	pc     *webrtc.PeerConnection
	cfg    ports.TransportConfig
	logger *zap.SugaredLogger

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit // inbound candidates before remote description
	remote    *remoteStream
	destroyed bool

	connectOnce sync.Once
	streamOnce  sync.Once
	closeOnce   sync.Once
	done        chan struct{}
}

func (t *Transport) sendOffer() error {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	t.emitSignal(signalPayload{Type: "offer", SDP: offer.SDP})
	return nil
}

// Signal feeds one inbound negotiation payload. Out-of-order input is
// buffered (early candidates) or dropped (redundant descriptions), never an
// error that tears the session down.
func (t *Transport) Signal(payload []byte) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	var msg signalPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("malformed signal payload: %w", err)
	}

	switch msg.Type {
	case "offer":
		return t.handleOffer(msg.SDP)
	case "answer":
		return t.handleAnswer(msg.SDP)
	case "candidate":
		return t.handleCandidate(msg.Candidate)
	default:
		t.logger.Debugw("ignoring unknown signal payload type", "type", msg.Type)
		return nil
	}
}

func (t *Transport) handleOffer(sdp string) error {
	if t.pc.RemoteDescription() != nil {
		// re-delivered offer, already answered
		return nil
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	t.flushPendingCandidates()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	t.emitSignal(signalPayload{Type: "answer", SDP: answer.SDP})
	return nil
}

func (t *Transport) handleAnswer(sdp string) error {
	if t.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		// answer without a pending local offer: re-delivery, drop
		return nil
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	t.flushPendingCandidates()
	return nil
}

func (t *Transport) handleCandidate(c *webrtc.ICECandidateInit) error {
	if c == nil {
		return nil
	}
	if t.pc.RemoteDescription() == nil {
		t.mu.Lock()
		t.pending = append(t.pending, *c)
		t.mu.Unlock()
		return nil
	}
	if err := t.pc.AddICECandidate(*c); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

func (t *Transport) flushPendingCandidates() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.logger.Warnw("failed to add buffered ice candidate", "error", err)
		}
	}
}

func (t *Transport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	if t.remote == nil {
		t.remote = &remoteStream{id: track.StreamID()}
	}
	stream := t.remote
	stream.addKind(track.Kind().String())
	t.mu.Unlock()

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go t.sendPLI(track)
	}
	go t.drainTrack(track)

	t.streamOnce.Do(func() {
		if t.cfg.OnStream != nil {
			t.cfg.OnStream(stream)
		}
	})
}

// sendPLI periodically requests keyframes so late-started decoders recover.
func (t *Transport) sendPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			err := t.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

func (t *Transport) drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debugw("remote track read ended", "error", err)
			}
			return
		}
	}
}

// Destroy tears the connection down. Idempotent; safe in any state.
func (t *Transport) Destroy() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	remote := t.remote
	t.mu.Unlock()

	close(t.done)
	if remote != nil {
		remote.Close()
	}
	err := t.pc.Close()
	t.emitClose()
	return err
}

func (t *Transport) emitSignal(msg signalPayload) {
	if t.cfg.OnSignal == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	t.cfg.OnSignal(payload)
}

func (t *Transport) emitConnect() {
	t.connectOnce.Do(func() {
		if t.cfg.OnConnect != nil {
			t.cfg.OnConnect()
		}
	})
}

func (t *Transport) emitError(err error) {
	if t.cfg.OnError != nil {
		t.cfg.OnError(err)
	}
}

func (t *Transport) emitClose() {
	t.closeOnce.Do(func() {
		if t.cfg.OnClose != nil {
			t.cfg.OnClose()
		}
	})
}

type remoteStream struct {
	id string

	mu     sync.Mutex
	kinds  []string
	closed bool
}

func (r *remoteStream) ID() string { return r.id }

func (r *remoteStream) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.kinds))
	copy(out, r.kinds)
	return out
}

func (r *remoteStream) addKind(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k == kind {
			return
		}
	}
	r.kinds = append(r.kinds, kind)
}

func (r *remoteStream) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

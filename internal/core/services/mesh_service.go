package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// maxEarlyCandidates bounds the per-peer buffer of ICE payloads that arrive
// before the offer does. The store gives no cross-collection ordering, so this
// happens routinely under load.
const maxEarlyCandidates = 64

// MeshConfig tunes the orchestrator.
type MeshConfig struct {
	// NegotiationTimeout bounds how long a peer session may stay in the
	// connecting state before it is torn down. Zero disables the timeout.
	NegotiationTimeout time.Duration
}

type peerSession struct {
	gen    uint64
	peerID domain.UserID
	state  domain.PeerState
	role   domain.PeerRole

	transport ports.PeerTransport
	// pending holds inbound payloads that arrived before the transport was
	// attached; flushed in arrival order on attach.
	pending [][]byte
	stream  ports.RemoteStream

	createdAt   time.Time
	connectedAt time.Time
	timeout     *time.Timer
}

func (p *peerSession) info() domain.PeerSessionInfo {
	return domain.PeerSessionInfo{
		PeerID:      p.peerID,
		State:       p.state,
		Role:        p.role,
		HasStream:   p.stream != nil,
		CreatedAt:   p.createdAt,
		ConnectedAt: p.connectedAt,
	}
}

// meshOrchestrator converges the local client to exactly one live connection
// per remote participant. Per-peer sessions move Connecting -> Connected ->
// Closed; a closed session is removed, a rejoining peer gets a fresh one.
//
// Which side initiates is decided by user id order: the lexicographically
// smaller id authors the offer. Both sides compute the same answer from the
// same two ids, so simultaneous joins cannot produce two connections.
type meshOrchestrator struct {
	membership ports.MembershipService
	signaling  ports.SignalingService
	factory    ports.TransportFactory
	media      ports.MediaSource
	cfg        MeshConfig
	metrics    Metrics
	logger     *zap.SugaredLogger

	mu        sync.Mutex
	started   bool
	stopped   bool
	roomID    domain.RoomID
	self      domain.Participant
	nextGen   uint64
	sessions  map[domain.UserID]*peerSession
	early     map[domain.UserID][][]byte
	subs      []ports.Subscription
	listeners []func(ports.PeerEvent)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMeshOrchestrator builds the orchestrator. media may be nil for a
// receive-only participant.
func NewMeshOrchestrator(
	membership ports.MembershipService,
	signaling ports.SignalingService,
	factory ports.TransportFactory,
	media ports.MediaSource,
	cfg MeshConfig,
	metrics Metrics,
	logger *zap.SugaredLogger,
) ports.MeshOrchestrator {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &meshOrchestrator{
		membership: membership,
		signaling:  signaling,
		factory:    factory,
		media:      media,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		sessions:   make(map[domain.UserID]*peerSession),
		early:      make(map[domain.UserID][][]byte),
	}
}

func (o *meshOrchestrator) Start(ctx context.Context, roomID domain.RoomID, self domain.Participant) error {
	o.mu.Lock()
	if o.started || o.stopped {
		o.mu.Unlock()
		return domain.ErrSessionClosed
	}
	o.started = true
	o.roomID = roomID
	o.self = self
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.mu.Unlock()

	subscribe := func(kind domain.SignalKind) (ports.Subscription, error) {
		return o.signaling.SubscribeEnvelopes(ctx, roomID, kind, o.handleEnvelope)
	}

	var subs []ports.Subscription
	for _, kind := range []domain.SignalKind{domain.SignalOffer, domain.SignalAnswer, domain.SignalIceCandidate} {
		sub, err := subscribe(kind)
		if err != nil {
			unsubscribeAll(subs)
			return err
		}
		subs = append(subs, sub)
	}

	memberSub, err := o.membership.ObserveMembers(ctx, roomID, o.handleMemberJoin, o.handleMemberLeave)
	if err != nil {
		unsubscribeAll(subs)
		return err
	}
	subs = append(subs, memberSub)

	o.mu.Lock()
	if o.stopped {
		// Stop raced Start; undo.
		o.mu.Unlock()
		unsubscribeAll(subs)
		return domain.ErrSessionClosed
	}
	o.subs = subs
	o.mu.Unlock()

	o.logger.Infow("mesh orchestrator started", "room_id", roomID, "user_id", self.UserID)
	return nil
}

func (o *meshOrchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	if o.cancel != nil {
		o.cancel()
	}
	subs := o.subs
	o.subs = nil
	sessions := make([]*peerSession, 0, len(o.sessions))
	for _, sess := range o.sessions {
		sessions = append(sessions, sess)
	}
	o.sessions = make(map[domain.UserID]*peerSession)
	o.early = make(map[domain.UserID][][]byte)
	o.mu.Unlock()

	unsubscribeAll(subs)

	for _, sess := range sessions {
		o.destroySession(sess)
	}

	o.logger.Infow("mesh orchestrator stopped", "room_id", o.roomID)
}

func (o *meshOrchestrator) Sessions() []domain.PeerSessionInfo {
	o.mu.Lock()
	infos := make([]domain.PeerSessionInfo, 0, len(o.sessions))
	for _, sess := range o.sessions {
		infos = append(infos, sess.info())
	}
	o.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].PeerID < infos[j].PeerID })
	return infos
}

func (o *meshOrchestrator) RemoteStream(peerID domain.UserID) (ports.RemoteStream, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[peerID]
	if !ok || sess.stream == nil {
		return nil, false
	}
	return sess.stream, true
}

func (o *meshOrchestrator) OnPeerEvent(fn func(ports.PeerEvent)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// handleMemberJoin reacts to presence: the side with the smaller user id
// opens the connection, the other waits for the offer.
func (o *meshOrchestrator) handleMemberJoin(marker domain.PresenceMarker) {
	if marker.UserID == o.self.UserID {
		return
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if _, exists := o.sessions[marker.UserID]; exists {
		// replayed or re-delivered presence for a peer we already track
		o.mu.Unlock()
		return
	}
	initiator := o.self.UserID < marker.UserID
	o.mu.Unlock()

	if !initiator {
		return
	}
	o.openSession(marker.UserID, domain.RoleInitiator, nil)
}

func (o *meshOrchestrator) handleMemberLeave(userID domain.UserID) {
	if userID == o.self.UserID {
		return
	}

	o.mu.Lock()
	sess, ok := o.sessions[userID]
	if ok {
		delete(o.sessions, userID)
		delete(o.early, userID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	o.logger.Infow("peer left, tearing down session", "room_id", o.roomID, "peer_id", userID)
	o.destroySession(sess)
}

func (o *meshOrchestrator) handleEnvelope(env domain.SignalEnvelope) {
	if env.To != o.self.UserID || env.From == o.self.UserID {
		return
	}

	switch env.Kind {
	case domain.SignalOffer:
		o.handleOffer(env.From, env.Payload)
	default:
		o.routeToSession(env.From, env.Kind, env.Payload)
	}
}

// handleOffer creates the responder session on first contact and resolves
// glare when both sides initiated at once.
func (o *meshOrchestrator) handleOffer(from domain.UserID, payload []byte) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	sess, exists := o.sessions[from]
	if exists && sess.role == domain.RoleInitiator && o.self.UserID < from {
		// Glare, but we hold the smaller id: our offer wins, theirs is
		// discarded. The remote side resolves the same way and answers ours.
		o.mu.Unlock()
		o.logger.Debugw("discarding offer from non-initiating peer", "peer_id", from)
		return
	}
	var stale *peerSession
	if exists && sess.role == domain.RoleInitiator {
		// Glare and the remote id is smaller: abandon our attempt and answer.
		stale = sess
		delete(o.sessions, from)
	}
	o.mu.Unlock()

	if stale != nil {
		o.logger.Infow("resolving offer glare in peer's favor", "room_id", o.roomID, "peer_id", from)
		o.destroySession(stale)
		exists = false
	}

	if !exists {
		o.openSession(from, domain.RoleResponder, [][]byte{payload})
		return
	}
	o.routeToSession(from, domain.SignalOffer, payload)
}

// routeToSession feeds one inbound payload to the peer's transport, buffering
// while the transport is still being attached. Early ICE candidates for a
// peer without any session are held until the offer arrives.
func (o *meshOrchestrator) routeToSession(from domain.UserID, kind domain.SignalKind, payload []byte) {
	o.mu.Lock()
	sess, ok := o.sessions[from]
	if !ok {
		if kind == domain.SignalIceCandidate && !o.stopped {
			if len(o.early[from]) < maxEarlyCandidates {
				o.early[from] = append(o.early[from], payload)
			}
		}
		o.mu.Unlock()
		return
	}
	if sess.transport == nil {
		sess.pending = append(sess.pending, payload)
		o.mu.Unlock()
		return
	}
	tr := sess.transport
	o.mu.Unlock()

	if err := tr.Signal(payload); err != nil {
		o.logger.Warnw("transport rejected signal payload",
			"room_id", o.roomID, "peer_id", from, "kind", kind, "error", err)
	}
}

// openSession inserts the session record first and attaches the transport
// after, so a concurrent duplicate trigger sees the session and backs off.
// Payloads arriving in between land in the pending buffer.
func (o *meshOrchestrator) openSession(peerID domain.UserID, role domain.PeerRole, initial [][]byte) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if _, exists := o.sessions[peerID]; exists {
		o.mu.Unlock()
		return
	}
	o.nextGen++
	sess := &peerSession{
		gen:       o.nextGen,
		peerID:    peerID,
		state:     domain.PeerConnecting,
		role:      role,
		pending:   append(initial, o.early[peerID]...),
		createdAt: time.Now(),
	}
	delete(o.early, peerID)
	o.sessions[peerID] = sess
	gen := sess.gen
	o.mu.Unlock()

	o.metrics.RecordPeerStateChange(domain.PeerAbsent, domain.PeerConnecting)
	o.emit(ports.PeerEvent{PeerID: peerID, State: domain.PeerConnecting})
	o.logger.Infow("opening peer session",
		"room_id", o.roomID, "peer_id", peerID, "role", role)

	tr, err := o.factory.NewTransport(ports.TransportConfig{
		Initiator:   role == domain.RoleInitiator,
		LocalTracks: o.localTracks(),
		OnSignal:    func(payload []byte) { o.publishSignal(peerID, payload) },
		OnConnect:   func() { o.handleTransportConnect(peerID, gen) },
		OnStream:    func(stream ports.RemoteStream) { o.handleTransportStream(peerID, gen, stream) },
		OnError:     func(err error) { o.handleTransportError(peerID, gen, err) },
		OnClose:     func() { o.closeSession(peerID, gen) },
	})
	if err != nil {
		o.logger.Errorw("failed to create peer transport",
			"room_id", o.roomID, "peer_id", peerID, "error", err)
		o.metrics.RecordNegotiationFailure()
		o.closeSession(peerID, gen)
		return
	}

	o.mu.Lock()
	current, ok := o.sessions[peerID]
	if !ok || current.gen != gen {
		// torn down while the transport was being built
		o.mu.Unlock()
		tr.Destroy()
		return
	}
	current.transport = tr
	pending := current.pending
	current.pending = nil
	if o.cfg.NegotiationTimeout > 0 {
		current.timeout = time.AfterFunc(o.cfg.NegotiationTimeout, func() {
			o.handleNegotiationTimeout(peerID, gen)
		})
	}
	o.mu.Unlock()

	for _, payload := range pending {
		if err := tr.Signal(payload); err != nil {
			o.logger.Warnw("transport rejected buffered payload",
				"room_id", o.roomID, "peer_id", peerID, "error", err)
		}
	}
}

func (o *meshOrchestrator) handleTransportConnect(peerID domain.UserID, gen uint64) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok || sess.gen != gen || !sess.state.CanTransition(domain.PeerConnected) {
		o.mu.Unlock()
		return
	}
	sess.state = domain.PeerConnected
	sess.connectedAt = time.Now()
	if sess.timeout != nil {
		sess.timeout.Stop()
		sess.timeout = nil
	}
	elapsed := sess.connectedAt.Sub(sess.createdAt)
	o.mu.Unlock()

	o.metrics.RecordPeerStateChange(domain.PeerConnecting, domain.PeerConnected)
	o.metrics.RecordConnectionEstablished(elapsed)
	o.emit(ports.PeerEvent{PeerID: peerID, State: domain.PeerConnected})
	o.logger.Infow("peer connected",
		"room_id", o.roomID, "peer_id", peerID, "elapsed", elapsed)
}

func (o *meshOrchestrator) handleTransportStream(peerID domain.UserID, gen uint64, stream ports.RemoteStream) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok || sess.gen != gen {
		o.mu.Unlock()
		stream.Close()
		return
	}
	sess.stream = stream
	state := sess.state
	o.mu.Unlock()

	o.emit(ports.PeerEvent{PeerID: peerID, State: state, Stream: stream})
	o.logger.Infow("remote stream attached",
		"room_id", o.roomID, "peer_id", peerID, "stream_id", stream.ID(), "kinds", stream.Kinds())
}

func (o *meshOrchestrator) handleTransportError(peerID domain.UserID, gen uint64, err error) {
	o.logger.Warnw("peer transport error",
		"room_id", o.roomID, "peer_id", peerID, "error", err)
	o.metrics.RecordNegotiationFailure()
	o.closeSession(peerID, gen)
}

func (o *meshOrchestrator) handleNegotiationTimeout(peerID domain.UserID, gen uint64) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok || sess.gen != gen || sess.state != domain.PeerConnecting {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.logger.Warnw("peer negotiation timed out",
		"room_id", o.roomID, "peer_id", peerID, "timeout", o.cfg.NegotiationTimeout)
	o.metrics.RecordNegotiationFailure()
	o.closeSession(peerID, gen)
}

// closeSession removes the session, if it still matches gen, and destroys its
// transport. Every failure path funnels through here, so it is idempotent.
func (o *meshOrchestrator) closeSession(peerID domain.UserID, gen uint64) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok || sess.gen != gen {
		o.mu.Unlock()
		return
	}
	delete(o.sessions, peerID)
	o.mu.Unlock()

	o.destroySession(sess)
}

// destroySession releases a session already removed from the map.
func (o *meshOrchestrator) destroySession(sess *peerSession) {
	if sess.timeout != nil {
		sess.timeout.Stop()
	}
	if sess.stream != nil {
		sess.stream.Close()
	}
	if sess.transport != nil {
		if err := sess.transport.Destroy(); err != nil {
			o.logger.Warnw("transport destroy failed", "peer_id", sess.peerID, "error", err)
		}
	}

	o.metrics.RecordPeerStateChange(sess.state, domain.PeerClosed)
	o.emit(ports.PeerEvent{PeerID: sess.peerID, State: domain.PeerClosed})
}

func (o *meshOrchestrator) publishSignal(peerID domain.UserID, payload []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		o.logger.Warnw("unroutable outbound payload", "peer_id", peerID, "error", err)
		return
	}

	var kind domain.SignalKind
	switch head.Type {
	case "offer":
		kind = domain.SignalOffer
	case "answer":
		kind = domain.SignalAnswer
	case "candidate":
		kind = domain.SignalIceCandidate
	default:
		o.logger.Warnw("unroutable outbound payload", "peer_id", peerID, "type", head.Type)
		return
	}

	o.mu.Lock()
	ctx := o.ctx
	roomID := o.roomID
	from := o.self.UserID
	o.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	o.signaling.Publish(ctx, roomID, domain.SignalEnvelope{
		From:    from,
		To:      peerID,
		Kind:    kind,
		Payload: payload,
	})
}

func (o *meshOrchestrator) localTracks() []webrtc.TrackLocal {
	if o.media == nil {
		return nil
	}
	return o.media.Tracks()
}

func (o *meshOrchestrator) emit(ev ports.PeerEvent) {
	o.mu.Lock()
	listeners := make([]func(ports.PeerEvent), len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func unsubscribeAll(subs []ports.Subscription) {
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

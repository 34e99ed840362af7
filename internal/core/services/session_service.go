package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/tracing"
	"meshroom/pkg/validation"

	"go.uber.org/zap"
)

// sessionService sequences the room session lifecycle for one local
// participant: Initializing -> Joining -> Active -> Leaving -> Terminated.
// It is single-use; a new session means a new service.
type sessionService struct {
	self       domain.Participant
	membership ports.MembershipService
	mesh       ports.MeshOrchestrator
	media      ports.MediaSource
	store      ports.Store
	metrics    Metrics
	logger     *zap.SugaredLogger

	mu           sync.Mutex
	state        domain.SessionState
	roomID       domain.RoomID
	participants map[domain.UserID]domain.Participant
	memberSub    ports.Subscription
	listeners    []func(domain.SessionSnapshot)
}

// NewSessionService wires the lifecycle controller. media may be nil for a
// receive-only participant.
func NewSessionService(
	self domain.Participant,
	membership ports.MembershipService,
	mesh ports.MeshOrchestrator,
	media ports.MediaSource,
	store ports.Store,
	metrics Metrics,
	logger *zap.SugaredLogger,
) ports.SessionService {
	if metrics == nil {
		metrics = NopMetrics()
	}
	s := &sessionService{
		self:         self,
		membership:   membership,
		mesh:         mesh,
		media:        media,
		store:        store,
		metrics:      metrics,
		logger:       logger,
		state:        domain.SessionInitializing,
		participants: make(map[domain.UserID]domain.Participant),
	}
	mesh.OnPeerEvent(func(ports.PeerEvent) { s.notify() })
	return s
}

func (s *sessionService) Join(ctx context.Context, roomID domain.RoomID) error {
	ctx, span := tracing.StartSpan(ctx, "session.join")
	defer span.End()
	span.SetAttributes(tracing.RoomIDKey.String(string(roomID)), tracing.UserIDKey.String(string(s.self.UserID)))

	s.mu.Lock()
	if s.state != domain.SessionInitializing {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.state = domain.SessionJoining
	s.roomID = roomID
	s.mu.Unlock()
	s.notify()

	if err := s.join(ctx, roomID); err != nil {
		tracing.RecordError(ctx, err)
		s.abortJoin(ctx, roomID)
		return err
	}

	s.setState(domain.SessionActive)
	s.logger.Infow("session active", "room_id", roomID, "user_id", s.self.UserID)
	return nil
}

func (s *sessionService) join(ctx context.Context, roomID domain.RoomID) error {
	if err := s.membership.Join(ctx, roomID, s.self); err != nil {
		return fmt.Errorf("membership join: %w", err)
	}

	sub, err := s.membership.ObserveMembers(ctx, roomID, s.handleMemberJoin, s.handleMemberLeave)
	if err != nil {
		return fmt.Errorf("member observation: %w", err)
	}
	s.mu.Lock()
	s.memberSub = sub
	s.mu.Unlock()

	if err := s.mesh.Start(ctx, roomID, s.self); err != nil {
		return fmt.Errorf("mesh start: %w", err)
	}
	return nil
}

// abortJoin unwinds a half-finished join so the store carries no trace of a
// session that never went active.
func (s *sessionService) abortJoin(ctx context.Context, roomID domain.RoomID) {
	s.mesh.Stop()

	s.mu.Lock()
	sub := s.memberSub
	s.memberSub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}

	if err := s.membership.Leave(ctx, roomID, s.self.UserID); err != nil {
		s.logger.Warnw("join rollback could not remove membership",
			"room_id", roomID, "user_id", s.self.UserID, "error", err)
	}

	s.setState(domain.SessionTerminated)
}

// Leave tears the session down in fixed order: local media first, then every
// peer session, then room membership. Safe to call more than once and from
// any state.
func (s *sessionService) Leave(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "session.leave")
	defer span.End()

	s.mu.Lock()
	switch s.state {
	case domain.SessionLeaving, domain.SessionTerminated:
		s.mu.Unlock()
		return nil
	case domain.SessionInitializing:
		s.state = domain.SessionTerminated
		s.mu.Unlock()
		s.notify()
		return nil
	}
	s.state = domain.SessionLeaving
	roomID := s.roomID
	sub := s.memberSub
	s.memberSub = nil
	s.mu.Unlock()
	s.notify()

	span.SetAttributes(tracing.RoomIDKey.String(string(roomID)), tracing.UserIDKey.String(string(s.self.UserID)))

	if s.media != nil {
		if err := s.media.Close(); err != nil {
			s.logger.Warnw("media close failed", "error", err)
		}
	}

	s.mesh.Stop()

	if sub != nil {
		sub.Unsubscribe()
	}

	var leaveErr error
	if err := s.membership.Leave(ctx, roomID, s.self.UserID); err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Warnw("membership leave failed",
			"room_id", roomID, "user_id", s.self.UserID, "error", err)
		leaveErr = err
	}

	s.setState(domain.SessionTerminated)
	s.logger.Infow("session terminated", "room_id", roomID, "user_id", s.self.UserID)
	return leaveErr
}

func (s *sessionService) ToggleAudio() domain.LocalMediaState {
	if s.media == nil {
		return domain.LocalMediaState{}
	}
	s.media.SetAudioEnabled(!s.media.State().AudioEnabled)
	state := s.media.State()
	s.notify()
	return state
}

func (s *sessionService) ToggleVideo() domain.LocalMediaState {
	if s.media == nil {
		return domain.LocalMediaState{}
	}
	s.media.SetVideoEnabled(!s.media.State().VideoEnabled)
	state := s.media.State()
	s.notify()
	return state
}

func (s *sessionService) SendMessage(ctx context.Context, text string) error {
	if err := validation.ValidateMessageText(text); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != domain.SessionActive {
		s.mu.Unlock()
		return domain.ErrNotJoined
	}
	roomID := s.roomID
	s.mu.Unlock()

	msg := domain.ChatMessage{
		SenderID:   s.self.UserID,
		SenderName: s.self.DisplayName,
		Text:       text,
		Timestamp:  time.Now(),
	}
	if _, err := s.store.Append(ctx, domain.CollectionMessages(roomID), msg); err != nil {
		return fmt.Errorf("%w: message append failed: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *sessionService) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	snapshot := domain.SessionSnapshot{
		State:        s.state,
		RoomID:       s.roomID,
		SelfID:       s.self.UserID,
		Participants: make([]domain.Participant, 0, len(s.participants)),
	}
	for _, p := range s.participants {
		snapshot.Participants = append(snapshot.Participants, p)
	}
	s.mu.Unlock()

	sort.Slice(snapshot.Participants, func(i, j int) bool {
		return snapshot.Participants[i].UserID < snapshot.Participants[j].UserID
	})

	if s.media != nil {
		snapshot.Media = s.media.State()
	}
	snapshot.Peers = s.mesh.Sessions()
	return snapshot
}

func (s *sessionService) OnUpdate(fn func(domain.SessionSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *sessionService) handleMemberJoin(marker domain.PresenceMarker) {
	s.mu.Lock()
	s.participants[marker.UserID] = domain.Participant{
		UserID:      marker.UserID,
		DisplayName: marker.DisplayName,
		JoinedAt:    marker.JoinedAt,
	}
	s.mu.Unlock()
	s.notify()
}

func (s *sessionService) handleMemberLeave(userID domain.UserID) {
	s.mu.Lock()
	_, present := s.participants[userID]
	delete(s.participants, userID)
	s.mu.Unlock()
	if present {
		s.notify()
	}
}

func (s *sessionService) setState(state domain.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.notify()
}

func (s *sessionService) notify() {
	s.mu.Lock()
	listeners := make([]func(domain.SessionSnapshot), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return
	}

	snapshot := s.Snapshot()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/cache"
	"meshroom/pkg/validation"

	"go.uber.org/zap"
)

// collectionRooms holds the room metadata documents written by the platform.
const collectionRooms = "rooms"

const roomCacheTTL = 30 * time.Second

type membershipService struct {
	store   ports.Store
	rooms   *cache.Cache
	metrics Metrics
	logger  *zap.SugaredLogger
}

func NewMembershipService(store ports.Store, metrics Metrics, logger *zap.SugaredLogger) ports.MembershipService {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &membershipService{
		store:   store,
		rooms:   cache.New(roomCacheTTL),
		metrics: metrics,
		logger:  logger,
	}
}

// Join writes the presence marker and participant entry. Keyed by user id, so
// a retried or repeated join overwrites instead of duplicating.
func (m *membershipService) Join(ctx context.Context, roomID domain.RoomID, p domain.Participant) error {
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return err
	}
	if err := validation.ValidateUserID(string(p.UserID)); err != nil {
		return err
	}
	if err := validation.ValidateDisplayName(p.DisplayName); err != nil {
		return err
	}

	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}

	marker := domain.PresenceMarker{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		JoinedAt:    p.JoinedAt,
	}
	if err := m.store.Set(ctx, domain.CollectionPresence(roomID), string(p.UserID), marker); err != nil {
		return fmt.Errorf("%w: presence write failed: %v", domain.ErrStoreUnavailable, err)
	}
	if err := m.store.Set(ctx, domain.CollectionParticipants(roomID), string(p.UserID), p); err != nil {
		return fmt.Errorf("%w: participant write failed: %v", domain.ErrStoreUnavailable, err)
	}

	m.metrics.RecordParticipantJoined(roomID)
	m.logger.Infow("joined room", "room_id", roomID, "user_id", p.UserID)
	return nil
}

// Leave removes the presence marker and participant entry and posts a leave
// notice to the room timeline. Deleting missing documents is not an error, so
// a repeated leave is a no-op.
func (m *membershipService) Leave(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	displayName := m.lookupDisplayName(ctx, roomID, userID)

	if err := m.store.Delete(ctx, domain.CollectionPresence(roomID), string(userID)); err != nil {
		return fmt.Errorf("%w: presence delete failed: %v", domain.ErrStoreUnavailable, err)
	}
	if err := m.store.Delete(ctx, domain.CollectionParticipants(roomID), string(userID)); err != nil {
		return fmt.Errorf("%w: participant delete failed: %v", domain.ErrStoreUnavailable, err)
	}

	notice := domain.ChatMessage{
		SenderID:   userID,
		SenderName: displayName,
		Text:       fmt.Sprintf("%s left the room", displayName),
		System:     true,
		Timestamp:  time.Now(),
	}
	if _, err := m.store.Append(ctx, domain.CollectionMessages(roomID), notice); err != nil {
		// the timeline is a courtesy, not part of membership consistency
		m.logger.Warnw("failed to post leave notice", "room_id", roomID, "user_id", userID, "error", err)
	}

	m.metrics.RecordParticipantLeft(roomID)
	m.logger.Infow("left room", "room_id", roomID, "user_id", userID)
	return nil
}

func (m *membershipService) ObserveMembers(ctx context.Context, roomID domain.RoomID, onJoin func(domain.PresenceMarker), onLeave func(domain.UserID)) (ports.Subscription, error) {
	sub, err := m.store.Subscribe(ctx, domain.CollectionPresence(roomID), func(c ports.Change) {
		switch c.Type {
		case ports.ChangeAdded, ports.ChangeModified:
			var marker domain.PresenceMarker
			if err := json.Unmarshal(c.Doc.Data, &marker); err != nil {
				m.logger.Warnw("malformed presence marker", "room_id", roomID, "doc_id", c.Doc.ID, "error", err)
				return
			}
			if onJoin != nil {
				onJoin(marker)
			}
		case ports.ChangeRemoved:
			if onLeave != nil {
				onLeave(domain.UserID(c.Doc.ID))
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: presence subscription failed: %v", domain.ErrStoreUnavailable, err)
	}
	return sub, nil
}

func (m *membershipService) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	if cached, ok := m.rooms.Get(string(roomID)); ok {
		room := cached.(domain.Room)
		return &room, nil
	}

	docs, err := m.store.List(ctx, collectionRooms)
	if err != nil {
		return nil, fmt.Errorf("%w: room read failed: %v", domain.ErrStoreUnavailable, err)
	}

	for _, doc := range docs {
		if doc.ID != string(roomID) {
			continue
		}
		var room domain.Room
		if err := json.Unmarshal(doc.Data, &room); err != nil {
			return nil, fmt.Errorf("malformed room document %s: %w", doc.ID, err)
		}
		m.rooms.Set(string(roomID), room)
		return &room, nil
	}

	return nil, domain.ErrRoomNotFound
}

func (m *membershipService) Participants(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error) {
	docs, err := m.store.List(ctx, domain.CollectionParticipants(roomID))
	if err != nil {
		return nil, fmt.Errorf("%w: participant list failed: %v", domain.ErrStoreUnavailable, err)
	}

	participants := make([]domain.Participant, 0, len(docs))
	for _, doc := range docs {
		var p domain.Participant
		if err := json.Unmarshal(doc.Data, &p); err != nil {
			m.logger.Warnw("malformed participant document", "doc_id", doc.ID, "error", err)
			continue
		}
		participants = append(participants, p)
	}
	return participants, nil
}

// Close stops the room cache sweeper. The store stays open; its lifecycle
// belongs to the caller.
func (m *membershipService) Close() error {
	m.rooms.Stop()
	return nil
}

func (m *membershipService) lookupDisplayName(ctx context.Context, roomID domain.RoomID, userID domain.UserID) string {
	participants, err := m.Participants(ctx, roomID)
	if err == nil {
		for _, p := range participants {
			if p.UserID == userID {
				return p.DisplayName
			}
		}
	}
	return string(userID)
}

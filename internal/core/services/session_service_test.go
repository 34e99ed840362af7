package services_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sessionFixture struct {
	store   ports.Store
	media   *fakeMediaSource
	factory *fakeFactory
	session ports.SessionService
	order   *orderLog
}

func newSessionFixture(t *testing.T, self domain.Participant) *sessionFixture {
	order := &orderLog{}
	store := &recordingStore{Store: memory.NewStore(), order: order}
	log := zaptest.NewLogger(t).Sugar()

	membership := services.NewMembershipService(store, nil, log)
	signaling := services.NewSignalingService(store, services.DefaultSignalingConfig(), nil, log)
	factory := &fakeFactory{order: order}
	media := newFakeMediaSource(order)
	mesh := services.NewMeshOrchestrator(membership, signaling, factory, media, services.MeshConfig{}, nil, log)
	session := services.NewSessionService(self, membership, mesh, media, store, nil, log)

	return &sessionFixture{
		store:   store,
		media:   media,
		factory: factory,
		session: session,
		order:   order,
	}
}

func TestSessionJoinActivates(t *testing.T) {
	f := newSessionFixture(t, alice())
	ctx := context.Background()

	require.NoError(t, f.session.Join(ctx, testRoom))

	snap := f.session.Snapshot()
	assert.Equal(t, domain.SessionActive, snap.State)
	assert.Equal(t, testRoom, snap.RoomID)
	assert.Equal(t, domain.UserID("alice"), snap.SelfID)
	assert.True(t, snap.Media.AudioEnabled)

	eventually(t, func() bool {
		participants := f.session.Snapshot().Participants
		return len(participants) == 1 && participants[0].UserID == "alice"
	}, "expected own presence in the participant list")

	// joining twice is a conflict: the controller is single-use
	assert.ErrorIs(t, f.session.Join(ctx, testRoom), domain.ErrSessionClosed)
}

func TestSessionLeaveIsIdempotentAndOrdered(t *testing.T) {
	f := newSessionFixture(t, alice())
	ctx := context.Background()

	require.NoError(t, f.session.Join(ctx, testRoom))

	// a remote peer so there is a transport to destroy
	log := zaptest.NewLogger(t).Sugar()
	membership := services.NewMembershipService(f.store, nil, log)
	require.NoError(t, membership.Join(ctx, testRoom, bob()))
	eventually(t, func() bool {
		return len(f.factory.created()) == 1
	}, "expected a peer transport")

	require.NoError(t, f.session.Leave(ctx))
	assert.Equal(t, domain.SessionTerminated, f.session.Snapshot().State)

	// media stops before peers, peers before membership
	steps := f.order.snapshot()
	mediaIdx, transportIdx, presenceIdx := -1, -1, -1
	for i, s := range steps {
		switch s {
		case "media.close":
			mediaIdx = i
		case "transport.destroy":
			transportIdx = i
		case "store.delete:" + domain.CollectionPresence(testRoom):
			presenceIdx = i
		}
	}
	require.GreaterOrEqual(t, mediaIdx, 0, "media was closed")
	require.GreaterOrEqual(t, transportIdx, 0, "transport was destroyed")
	require.GreaterOrEqual(t, presenceIdx, 0, "presence was removed")
	assert.Less(t, mediaIdx, transportIdx)
	assert.Less(t, transportIdx, presenceIdx)

	// repeated leave is a no-op
	require.NoError(t, f.session.Leave(ctx))
	assert.Equal(t, domain.SessionTerminated, f.session.Snapshot().State)
}

func TestSessionLeaveBeforeJoinTerminates(t *testing.T) {
	f := newSessionFixture(t, alice())

	require.NoError(t, f.session.Leave(context.Background()))
	assert.Equal(t, domain.SessionTerminated, f.session.Snapshot().State)
}

func TestSessionToggles(t *testing.T) {
	f := newSessionFixture(t, alice())

	state := f.session.ToggleAudio()
	assert.False(t, state.AudioEnabled)
	assert.True(t, state.VideoEnabled)

	state = f.session.ToggleAudio()
	assert.True(t, state.AudioEnabled)

	state = f.session.ToggleVideo()
	assert.False(t, state.VideoEnabled)
}

func TestSessionSendMessage(t *testing.T) {
	f := newSessionFixture(t, alice())
	ctx := context.Background()

	assert.ErrorIs(t, f.session.SendMessage(ctx, "too early"), domain.ErrNotJoined)

	require.NoError(t, f.session.Join(ctx, testRoom))
	assert.Error(t, f.session.SendMessage(ctx, "   "))
	require.NoError(t, f.session.SendMessage(ctx, "hello room"))

	docs, err := f.store.List(ctx, domain.CollectionMessages(testRoom))
	require.NoError(t, err)
	require.Len(t, docs, 1)

	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(docs[0].Data, &msg))
	assert.Equal(t, domain.UserID("alice"), msg.SenderID)
	assert.Equal(t, "hello room", msg.Text)
	assert.False(t, msg.System)
}

func TestSessionOnUpdateNotifies(t *testing.T) {
	f := newSessionFixture(t, alice())
	ctx := context.Background()

	var mu sync.Mutex
	var seen []domain.SessionState
	f.session.OnUpdate(func(s domain.SessionSnapshot) {
		mu.Lock()
		seen = append(seen, s.State)
		mu.Unlock()
	})

	require.NoError(t, f.session.Join(ctx, testRoom))
	require.NoError(t, f.session.Leave(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, domain.SessionJoining)
	assert.Contains(t, seen, domain.SessionActive)
	assert.Contains(t, seen, domain.SessionLeaving)
	assert.Contains(t, seen, domain.SessionTerminated)
}

package services_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// meshNode bundles one participant's orchestrator with its fakes, all nodes
// sharing a single in-process store the way real clients share the platform
// store.
type meshNode struct {
	self    domain.Participant
	factory *fakeFactory
	mesh    ports.MeshOrchestrator
}

func newMeshNode(t *testing.T, store ports.Store, self domain.Participant, cfg services.MeshConfig) *meshNode {
	log := zaptest.NewLogger(t).Sugar()
	membership := services.NewMembershipService(store, nil, log)
	signaling := services.NewSignalingService(store, services.DefaultSignalingConfig(), nil, log)
	factory := &fakeFactory{}
	return &meshNode{
		self:    self,
		factory: factory,
		mesh:    services.NewMeshOrchestrator(membership, signaling, factory, nil, cfg, nil, log),
	}
}

func (n *meshNode) start(t *testing.T, store ports.Store) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	membership := services.NewMembershipService(store, nil, log)
	require.NoError(t, n.mesh.Start(context.Background(), testRoom, n.self))
	require.NoError(t, membership.Join(context.Background(), testRoom, n.self))
}

func connectedPeers(m ports.MeshOrchestrator) int {
	n := 0
	for _, s := range m.Sessions() {
		if s.State == domain.PeerConnected {
			n++
		}
	}
	return n
}

func TestMeshTwoPeersConverge(t *testing.T) {
	store := memory.NewStore()
	a := newMeshNode(t, store, alice(), services.MeshConfig{})
	b := newMeshNode(t, store, bob(), services.MeshConfig{})
	defer a.mesh.Stop()
	defer b.mesh.Stop()

	a.start(t, store)
	b.start(t, store)

	eventually(t, func() bool {
		return connectedPeers(a.mesh) == 1 && connectedPeers(b.mesh) == 1
	}, "expected both peers connected")

	// exactly one transport each, no duplicate connections
	assert.Len(t, a.factory.created(), 1)
	assert.Len(t, b.factory.created(), 1)

	// the smaller user id initiates
	aSessions := a.mesh.Sessions()
	bSessions := b.mesh.Sessions()
	require.Len(t, aSessions, 1)
	require.Len(t, bSessions, 1)
	assert.Equal(t, domain.RoleInitiator, aSessions[0].Role)
	assert.Equal(t, domain.RoleResponder, bSessions[0].Role)
	assert.False(t, aSessions[0].ConnectedAt.IsZero())
}

func TestMeshThreePeersFullMesh(t *testing.T) {
	store := memory.NewStore()
	nodes := []*meshNode{
		newMeshNode(t, store, alice(), services.MeshConfig{}),
		newMeshNode(t, store, bob(), services.MeshConfig{}),
		newMeshNode(t, store, domain.Participant{UserID: "carol", DisplayName: "Carol"}, services.MeshConfig{}),
	}
	for _, n := range nodes {
		defer n.mesh.Stop()
		n.start(t, store)
	}

	eventually(t, func() bool {
		for _, n := range nodes {
			if connectedPeers(n.mesh) != 2 {
				return false
			}
		}
		return true
	}, "expected full mesh of 3 peers")

	for _, n := range nodes {
		assert.Len(t, n.factory.created(), 2, "one transport per remote peer for %s", n.self.UserID)
	}
}

func TestMeshLateJoinerSeesExistingPeers(t *testing.T) {
	store := memory.NewStore()
	b := newMeshNode(t, store, bob(), services.MeshConfig{})
	defer b.mesh.Stop()
	b.start(t, store)

	// alice joins well after bob is established
	time.Sleep(50 * time.Millisecond)
	a := newMeshNode(t, store, alice(), services.MeshConfig{})
	defer a.mesh.Stop()
	a.start(t, store)

	eventually(t, func() bool {
		return connectedPeers(a.mesh) == 1 && connectedPeers(b.mesh) == 1
	}, "expected late joiner to connect to existing peer")

	assert.Len(t, a.factory.created(), 1)
	assert.Len(t, b.factory.created(), 1)
}

func TestMeshPeerLeaveTearsDownSession(t *testing.T) {
	store := memory.NewStore()
	log := zaptest.NewLogger(t).Sugar()
	a := newMeshNode(t, store, alice(), services.MeshConfig{})
	b := newMeshNode(t, store, bob(), services.MeshConfig{})
	defer a.mesh.Stop()
	defer b.mesh.Stop()

	a.start(t, store)
	b.start(t, store)
	eventually(t, func() bool {
		return connectedPeers(a.mesh) == 1 && connectedPeers(b.mesh) == 1
	}, "expected peers connected")

	membership := services.NewMembershipService(store, nil, log)
	require.NoError(t, membership.Leave(context.Background(), testRoom, "bob"))

	eventually(t, func() bool {
		return len(a.mesh.Sessions()) == 0
	}, "expected alice to drop the session after bob left")
	assert.True(t, a.factory.created()[0].isDestroyed())
}

func TestMeshMidSessionLeaveKeepsNegotiatingPeers(t *testing.T) {
	store := memory.NewStore()
	log := zaptest.NewLogger(t).Sugar()
	a := newMeshNode(t, store, alice(), services.MeshConfig{})
	b := newMeshNode(t, store, bob(), services.MeshConfig{})
	c := newMeshNode(t, store, domain.Participant{UserID: "carol", DisplayName: "Carol"}, services.MeshConfig{})
	c.factory.stalled = true // carol never answers, so alice<->carol stays connecting
	defer a.mesh.Stop()
	defer b.mesh.Stop()
	defer c.mesh.Stop()

	a.start(t, store)
	b.start(t, store)
	c.start(t, store)

	eventually(t, func() bool {
		return connectedPeers(a.mesh) == 1 && len(a.mesh.Sessions()) == 2
	}, "expected alice connected to bob and still negotiating with carol")

	// bob leaves while alice<->carol is still in flight
	membership := services.NewMembershipService(store, nil, log)
	require.NoError(t, membership.Leave(context.Background(), testRoom, "bob"))

	eventually(t, func() bool {
		return len(a.mesh.Sessions()) == 1
	}, "expected alice to drop only bob's session")

	sessions := a.mesh.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.UserID("carol"), sessions[0].PeerID)
	assert.Equal(t, domain.PeerConnecting, sessions[0].State)

	// exactly one of alice's two transports went down with bob
	destroyed := 0
	for _, tr := range a.factory.created() {
		if tr.isDestroyed() {
			destroyed++
		}
	}
	assert.Equal(t, 1, destroyed)
}

func TestMeshStopSilencesLateEvents(t *testing.T) {
	store := memory.NewStore()
	log := zaptest.NewLogger(t).Sugar()
	signaling := services.NewSignalingService(store, services.DefaultSignalingConfig(), nil, log)
	a := newMeshNode(t, store, alice(), services.MeshConfig{})
	b := newMeshNode(t, store, bob(), services.MeshConfig{})
	defer b.mesh.Stop()

	var mu sync.Mutex
	events := 0
	a.mesh.OnPeerEvent(func(ports.PeerEvent) {
		mu.Lock()
		events++
		mu.Unlock()
	})

	a.start(t, store)
	b.start(t, store)
	eventually(t, func() bool { return connectedPeers(a.mesh) == 1 }, "expected connection")

	a.mesh.Stop()
	mu.Lock()
	seenAtStop := events
	mu.Unlock()
	transportsAtStop := len(a.factory.created())

	// traffic after stop must be inert: no sessions, no transports, no events
	membership := services.NewMembershipService(store, nil, log)
	require.NoError(t, membership.Join(context.Background(), testRoom,
		domain.Participant{UserID: "carol", DisplayName: "Carol"}))
	signaling.Publish(context.Background(), testRoom, domain.SignalEnvelope{
		From: "carol", To: "alice", Kind: domain.SignalOffer,
		Payload: json.RawMessage(`{"type":"offer","sdp":"late"}`),
	})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.mesh.Sessions())
	assert.Len(t, a.factory.created(), transportsAtStop)
	mu.Lock()
	assert.Equal(t, seenAtStop, events)
	mu.Unlock()
}

func TestMeshStopDestroysEverything(t *testing.T) {
	store := memory.NewStore()
	a := newMeshNode(t, store, alice(), services.MeshConfig{})
	b := newMeshNode(t, store, bob(), services.MeshConfig{})
	defer b.mesh.Stop()

	a.start(t, store)
	b.start(t, store)
	eventually(t, func() bool { return connectedPeers(a.mesh) == 1 }, "expected connection")

	a.mesh.Stop()
	a.mesh.Stop() // idempotent

	assert.Empty(t, a.mesh.Sessions())
	for _, tr := range a.factory.created() {
		assert.True(t, tr.isDestroyed())
	}
}

func TestMeshPeerEventsEmitted(t *testing.T) {
	store := memory.NewStore()
	a := newMeshNode(t, store, alice(), services.MeshConfig{})
	b := newMeshNode(t, store, bob(), services.MeshConfig{})
	defer b.mesh.Stop()

	var mu sync.Mutex
	var states []domain.PeerState
	a.mesh.OnPeerEvent(func(ev ports.PeerEvent) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})

	a.start(t, store)
	b.start(t, store)
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	}, "expected connecting and connected events")
	a.mesh.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.PeerState{domain.PeerConnecting, domain.PeerConnected, domain.PeerClosed}, states)
}

func TestMeshNegotiationTimeout(t *testing.T) {
	store := memory.NewStore()
	a := newMeshNode(t, store, alice(), services.MeshConfig{NegotiationTimeout: 50 * time.Millisecond})
	a.factory.stalled = true
	defer a.mesh.Stop()
	a.start(t, store)

	// bob is present but never answers
	log := zaptest.NewLogger(t).Sugar()
	membership := services.NewMembershipService(store, nil, log)
	require.NoError(t, membership.Join(context.Background(), testRoom, bob()))

	eventually(t, func() bool {
		return len(a.factory.created()) == 1
	}, "expected alice to initiate")

	eventually(t, func() bool {
		return len(a.mesh.Sessions()) == 0
	}, "expected stuck negotiation to time out")
	assert.True(t, a.factory.created()[0].isDestroyed())
}

func TestMeshEarlyCandidatesFlushedAfterOffer(t *testing.T) {
	store := memory.NewStore()
	log := zaptest.NewLogger(t).Sugar()
	signaling := services.NewSignalingService(store, services.DefaultSignalingConfig(), nil, log)

	b := newMeshNode(t, store, bob(), services.MeshConfig{})
	defer b.mesh.Stop()
	b.start(t, store)
	ctx := context.Background()

	// candidates land before the offer; collections carry no cross ordering
	signaling.Publish(ctx, testRoom, domain.SignalEnvelope{
		From: "alice", To: "bob", Kind: domain.SignalIceCandidate,
		Payload: json.RawMessage(`{"type":"candidate","candidate":{"candidate":"c1"}}`),
	})
	time.Sleep(30 * time.Millisecond)
	signaling.Publish(ctx, testRoom, domain.SignalEnvelope{
		From: "alice", To: "bob", Kind: domain.SignalOffer,
		Payload: json.RawMessage(`{"type":"offer","sdp":"x"}`),
	})

	eventually(t, func() bool {
		created := b.factory.created()
		return len(created) == 1 && len(created[0].receivedTypes()) >= 2
	}, "expected offer and buffered candidate delivered")

	got := b.factory.created()[0].receivedTypes()
	assert.Equal(t, []string{"offer", "candidate"}, got)
}

func TestMeshStrayAnswerIgnored(t *testing.T) {
	store := memory.NewStore()
	log := zaptest.NewLogger(t).Sugar()
	signaling := services.NewSignalingService(store, services.DefaultSignalingConfig(), nil, log)

	a := newMeshNode(t, store, alice(), services.MeshConfig{})
	defer a.mesh.Stop()
	a.start(t, store)

	// answer for a session that no longer exists
	signaling.Publish(context.Background(), testRoom, domain.SignalEnvelope{
		From: "bob", To: "alice", Kind: domain.SignalAnswer,
		Payload: json.RawMessage(`{"type":"answer","sdp":"stale"}`),
	})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.mesh.Sessions())
	assert.Empty(t, a.factory.created())
}

func TestMeshOfferGlareSmallerIDWins(t *testing.T) {
	store := memory.NewStore()
	log := zaptest.NewLogger(t).Sugar()
	signaling := services.NewSignalingService(store, services.DefaultSignalingConfig(), nil, log)

	a := newMeshNode(t, store, alice(), services.MeshConfig{})
	a.factory.stalled = true // keep the session in connecting
	defer a.mesh.Stop()
	a.start(t, store)

	log2 := zaptest.NewLogger(t).Sugar()
	membership := services.NewMembershipService(store, nil, log2)
	require.NoError(t, membership.Join(context.Background(), testRoom, bob()))

	eventually(t, func() bool {
		return len(a.factory.created()) == 1
	}, "expected alice to initiate toward bob")

	// bob also sent an offer; alice holds the smaller id, so hers stands
	signaling.Publish(context.Background(), testRoom, domain.SignalEnvelope{
		From: "bob", To: "alice", Kind: domain.SignalOffer,
		Payload: json.RawMessage(`{"type":"offer","sdp":"glare"}`),
	})

	time.Sleep(50 * time.Millisecond)
	created := a.factory.created()
	assert.Len(t, created, 1, "no second transport for the same peer")
	assert.NotContains(t, created[0].receivedTypes(), "offer")
	sessions := a.mesh.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.RoleInitiator, sessions[0].Role)
}

func TestMeshDuplicatePresenceIgnored(t *testing.T) {
	store := memory.NewStore()
	log := zaptest.NewLogger(t).Sugar()
	a := newMeshNode(t, store, alice(), services.MeshConfig{})
	a.factory.stalled = true
	defer a.mesh.Stop()
	a.start(t, store)

	membership := services.NewMembershipService(store, nil, log)
	require.NoError(t, membership.Join(context.Background(), testRoom, bob()))
	require.NoError(t, membership.Join(context.Background(), testRoom, bob()))

	eventually(t, func() bool {
		return len(a.factory.created()) == 1
	}, "expected a single transport")

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, a.factory.created(), 1, "re-delivered presence must not open a second session")
}

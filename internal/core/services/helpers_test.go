package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// orderLog records teardown steps across fakes so tests can assert ordering.
type orderLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *orderLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *orderLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// fakeFactory hands out in-process transports that complete negotiation by
// echoing signals through the configured callbacks.
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport

	stalled  bool // transports never answer or connect
	failNext bool
	order    *orderLog
}

func (f *fakeFactory) NewTransport(cfg ports.TransportConfig) (ports.PeerTransport, error) {
	f.mu.Lock()
	if f.failNext {
		f.failNext = false
		f.mu.Unlock()
		return nil, errors.New("transport construction failed")
	}
	tr := &fakeTransport{cfg: cfg, stalled: f.stalled, order: f.order}
	f.transports = append(f.transports, tr)
	f.mu.Unlock()

	if cfg.Initiator {
		cfg.OnSignal([]byte(`{"type":"offer","sdp":"fake-offer"}`))
	}
	return tr, nil
}

func (f *fakeFactory) created() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeTransport, len(f.transports))
	copy(out, f.transports)
	return out
}

type fakeTransport struct {
	cfg     ports.TransportConfig
	stalled bool
	order   *orderLog

	mu        sync.Mutex
	received  []string
	destroyed bool
}

func (t *fakeTransport) Signal(payload []byte) error {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.received = append(t.received, msg.Type)
	stalled := t.stalled
	t.mu.Unlock()

	if stalled {
		return nil
	}

	switch msg.Type {
	case "offer":
		t.cfg.OnSignal([]byte(`{"type":"answer","sdp":"fake-answer"}`))
		if t.cfg.OnConnect != nil {
			t.cfg.OnConnect()
		}
	case "answer":
		if t.cfg.OnConnect != nil {
			t.cfg.OnConnect()
		}
	}
	return nil
}

func (t *fakeTransport) Destroy() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	t.mu.Unlock()

	if t.order != nil {
		t.order.add("transport.destroy")
	}
	return nil
}

func (t *fakeTransport) isDestroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

func (t *fakeTransport) receivedTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.received))
	copy(out, t.received)
	return out
}

// fakeMediaSource tracks toggles and close ordering without touching pion.
type fakeMediaSource struct {
	mu     sync.Mutex
	state  domain.LocalMediaState
	closed bool
	order  *orderLog
}

func newFakeMediaSource(order *orderLog) *fakeMediaSource {
	return &fakeMediaSource{
		state: domain.LocalMediaState{AudioEnabled: true, VideoEnabled: true},
		order: order,
	}
}

func (m *fakeMediaSource) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMediaSource) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.AudioEnabled = enabled
}

func (m *fakeMediaSource) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.VideoEnabled = enabled
}

func (m *fakeMediaSource) State() domain.LocalMediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.LocalMediaState{}
	}
	return m.state
}

func (m *fakeMediaSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.order != nil {
		m.order.add("media.close")
	}
	return nil
}

// recordingStore wraps a store and logs presence deletions for teardown
// ordering assertions.
type recordingStore struct {
	ports.Store
	order *orderLog
}

func (s *recordingStore) Delete(ctx context.Context, collection, id string) error {
	if s.order != nil {
		s.order.add("store.delete:" + collection)
	}
	return s.Store.Delete(ctx, collection, id)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

package transport_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"meshroom/internal/core/ports"
	"meshroom/internal/infrastructure/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type signalCollector struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *signalCollector) collect(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
}

func (c *signalCollector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range c.payloads {
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(p, &msg) == nil {
			out = append(out, msg.Type)
		}
	}
	return out
}

func TestInitiatorEmitsOffer(t *testing.T) {
	factory := transport.NewFactory(nil, zaptest.NewLogger(t).Sugar())
	collector := &signalCollector{}

	tr, err := factory.NewTransport(ports.TransportConfig{
		Initiator: true,
		OnSignal:  collector.collect,
	})
	require.NoError(t, err)
	defer tr.Destroy()

	types := collector.types()
	require.NotEmpty(t, types)
	assert.Equal(t, "offer", types[0])
}

func TestResponderStaysQuietUntilSignaled(t *testing.T) {
	factory := transport.NewFactory(nil, zaptest.NewLogger(t).Sugar())
	collector := &signalCollector{}

	tr, err := factory.NewTransport(ports.TransportConfig{
		Initiator: false,
		OnSignal:  collector.collect,
	})
	require.NoError(t, err)
	defer tr.Destroy()

	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, collector.types(), "offer")
	assert.NotContains(t, collector.types(), "answer")
}

func TestSignalRejectsMalformedPayload(t *testing.T) {
	factory := transport.NewFactory(nil, zaptest.NewLogger(t).Sugar())

	tr, err := factory.NewTransport(ports.TransportConfig{})
	require.NoError(t, err)
	defer tr.Destroy()

	assert.Error(t, tr.Signal([]byte("not json")))
	// unknown types are dropped, not errors
	assert.NoError(t, tr.Signal([]byte(`{"type":"renegotiate"}`)))
}

func TestDestroyIsIdempotentAndEmitsCloseOnce(t *testing.T) {
	factory := transport.NewFactory(nil, zaptest.NewLogger(t).Sugar())

	var mu sync.Mutex
	closes := 0
	tr, err := factory.NewTransport(ports.TransportConfig{
		OnClose: func() {
			mu.Lock()
			closes++
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.NoError(t, tr.Destroy())
	require.NoError(t, tr.Destroy())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, closes)

	// signaling a destroyed transport is a no-op
	assert.NoError(t, tr.Signal([]byte(`{"type":"candidate","candidate":{"candidate":"x"}}`)))
}

func TestEndToEndNegotiation(t *testing.T) {
	factory := transport.NewFactory(nil, zaptest.NewLogger(t).Sugar())

	var initiator, responder ports.PeerTransport
	var mu sync.Mutex
	var initiatorConnected, responderConnected bool

	// relay each side's signals into the other
	initiatorSignals := make(chan []byte, 32)
	responderSignals := make(chan []byte, 32)

	var err error
	initiator, err = factory.NewTransport(ports.TransportConfig{
		Initiator: true,
		OnSignal:  func(p []byte) { initiatorSignals <- p },
		OnConnect: func() {
			mu.Lock()
			initiatorConnected = true
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer initiator.Destroy()

	responder, err = factory.NewTransport(ports.TransportConfig{
		Initiator: false,
		OnSignal:  func(p []byte) { responderSignals <- p },
		OnConnect: func() {
			mu.Lock()
			responderConnected = true
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer responder.Destroy()

	done := time.After(10 * time.Second)
	for {
		mu.Lock()
		ok := initiatorConnected && responderConnected
		mu.Unlock()
		if ok {
			return
		}

		select {
		case p := <-initiatorSignals:
			require.NoError(t, responder.Signal(p))
		case p := <-responderSignals:
			require.NoError(t, initiator.Signal(p))
		case <-done:
			t.Fatal("peers did not connect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/fieldbridge/fieldbridge/internal/bus"
	"github.com/fieldbridge/fieldbridge/internal/modbusmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_RunBroadcastsUpdatesToClients(t *testing.T) {
	b := bus.New(4)
	h := NewHub(b, nil)

	c := &client{id: "test-client", send: make(chan Message, 4)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	b.Publish(modbusmodel.RegisterUpdate{DeviceID: "d", RegisterName: "r", Value: 1.0})

	select {
	case msg := <-c.send:
		assert.Equal(t, "update", msg.Type)
		require.NotNil(t, msg.Update)
		assert.Equal(t, "d", msg.Update.DeviceID)
		assert.Zero(t, msg.Lagged)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast message")
	}
}

func TestHub_RunDoesNotBlockWithoutClients(t *testing.T) {
	b := bus.New(2)
	h := NewHub(b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	for i := 0; i < 5; i++ {
		b.Publish(modbusmodel.RegisterUpdate{DeviceID: "d", RegisterName: "r"})
	}
	// No clients attached: broadcast must not block or panic regardless of
	// subscriber backlog.
	time.Sleep(50 * time.Millisecond)
}

func TestHub_BroadcastLog(t *testing.T) {
	b := bus.New(2)
	h := NewHub(b, nil)

	c := &client{id: "test-client", send: make(chan Message, 4)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.BroadcastLog("warn", "disconnected from mqtt broker", "backend", map[string]interface{}{"device_id": "plc-001"})

	select {
	case msg := <-c.send:
		assert.Equal(t, "log", msg.Type)
		require.NotNil(t, msg.Log)
		assert.Equal(t, "warn", msg.Log.Level)
		assert.Equal(t, "disconnected from mqtt broker", msg.Log.Message)
		assert.Equal(t, "plc-001", msg.Log.Fields["device_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for log message")
	}
}

func TestHub_ClientCount(t *testing.T) {
	b := bus.New(2)
	h := NewHub(b, nil)
	assert.Equal(t, 0, h.ClientCount())

	h.mu.Lock()
	h.clients["a"] = &client{id: "a", send: make(chan Message, 1)}
	h.mu.Unlock()

	assert.Equal(t, 1, h.ClientCount())
}

func TestHub_RunStopsOnBusClose(t *testing.T) {
	b := bus.New(2)
	h := NewHub(b, nil)

	c := &client{id: "test-client", send: make(chan Message, 4)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()

	b.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after bus closed")
	}

	select {
	case msg := <-c.send:
		assert.Equal(t, "closed", msg.Type)
	default:
		t.Fatal("expected a closed message on client send channel")
	}
}

package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/events"
	ws "github.com/agor/agor/pkg/websocket"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(ws.NewDispatcher(), newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func registerClient(t *testing.T, hub *Hub, id string) *Client {
	t.Helper()
	client := NewClient(id, nil, hub, newTestLogger(t))
	before := hub.ClientCount()
	hub.Register(client)
	require.Eventually(t, func() bool {
		return hub.ClientCount() == before+1
	}, time.Second, 5*time.Millisecond)
	return client
}

func drainOne(t *testing.T, client *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-client.send:
		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestHubChannelFanout(t *testing.T) {
	hub := startHub(t)

	watcher := registerClient(t, hub, "watcher")
	bystander := registerClient(t, hub, "bystander")

	hub.Subscribe(watcher, events.SessionChannel("sess-1"))

	msg, err := ws.NewNotification(ws.NotifyAgentStream, map[string]string{"session_id": "sess-1"})
	require.NoError(t, err)
	hub.BroadcastToChannel(events.SessionChannel("sess-1"), msg)

	got := drainOne(t, watcher)
	assert.Equal(t, ws.NotifyAgentStream, got.Action)
	assert.Empty(t, bystander.send)
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := startHub(t)
	client := registerClient(t, hub, "c1")

	channel := events.MessagesChannel("sess-2")
	hub.Subscribe(client, channel)
	hub.Unsubscribe(client, channel)

	msg, err := ws.NewNotification(ws.NotifyMessageCreated, map[string]string{"session_id": "sess-2"})
	require.NoError(t, err)
	hub.BroadcastToChannel(channel, msg)

	assert.Empty(t, client.send)
}

func TestHubDropsSlowConsumer(t *testing.T) {
	hub := startHub(t)
	slow := registerClient(t, hub, "slow")

	channel := events.SessionChannel("sess-3")
	hub.Subscribe(slow, channel)

	msg, err := ws.NewNotification(ws.NotifyAgentStream, map[string]string{"session_id": "sess-3"})
	require.NoError(t, err)

	// Fill the outbound buffer, then one more: the overflowing send must
	// evict the client instead of blocking the producer.
	for i := 0; i < sendBufferSize+1; i++ {
		hub.BroadcastToChannel(channel, msg)
	}

	assert.Equal(t, 0, hub.ClientCount())

	// Evicted client's channel is closed.
	drained := 0
	for range slow.send {
		drained++
	}
	assert.Equal(t, sendBufferSize, drained)
}

func TestHubGlobalBroadcast(t *testing.T) {
	hub := startHub(t)
	a := registerClient(t, hub, "a")
	b := registerClient(t, hub, "b")

	msg, err := ws.NewNotification(ws.NotifySessionCreated, map[string]string{"id": "sess-4"})
	require.NoError(t, err)
	hub.Broadcast(msg)

	assert.Equal(t, ws.NotifySessionCreated, drainOne(t, a).Action)
	assert.Equal(t, ws.NotifySessionCreated, drainOne(t, b).Action)
}

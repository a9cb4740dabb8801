package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/events"
	"github.com/agor/agor/internal/events/bus"
	ws "github.com/agor/agor/pkg/websocket"
)

func TestBusBridgeRoutesToRooms(t *testing.T) {
	hub := startHub(t)
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	t.Cleanup(eventBus.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	RegisterBusBridge(ctx, eventBus, hub, newTestLogger(t))

	watcher := registerClient(t, hub, "watcher")
	hub.Subscribe(watcher, events.SessionChannel("sess-1"))
	hub.Subscribe(watcher, events.MessagesChannel("sess-1"))

	t.Run("agent stream reaches the session room", func(t *testing.T) {
		event := bus.NewEvent(events.AgentStream, "test", map[string]interface{}{
			"session_id": "sess-1",
			"kind":       "partial",
		})
		require.NoError(t, eventBus.Publish(ctx, events.BuildAgentStreamSubject("sess-1"), event))

		got := drainOne(t, watcher)
		assert.Equal(t, ws.NotifyAgentStream, got.Action)

		var payload map[string]interface{}
		require.NoError(t, got.ParsePayload(&payload))
		assert.Equal(t, "sess-1", payload["session_id"])
	})

	t.Run("message created reaches the transcript room", func(t *testing.T) {
		event := bus.NewEvent(events.MessageCreated, "test", map[string]interface{}{
			"session_id": "sess-1",
			"id":         "msg-1",
		})
		require.NoError(t, eventBus.Publish(ctx, events.MessageCreated, event))
		assert.Equal(t, ws.NotifyMessageCreated, drainOne(t, watcher).Action)
	})

	t.Run("other sessions are not delivered", func(t *testing.T) {
		event := bus.NewEvent(events.AgentStream, "test", map[string]interface{}{
			"session_id": "sess-2",
		})
		require.NoError(t, eventBus.Publish(ctx, events.BuildAgentStreamSubject("sess-2"), event))
		assert.Empty(t, watcher.send)
	})
}

func TestBusBridgeTaskRouting(t *testing.T) {
	hub := startHub(t)
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	t.Cleanup(eventBus.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	RegisterBusBridge(ctx, eventBus, hub, newTestLogger(t))

	taskWatcher := registerClient(t, hub, "task-watcher")
	sessionWatcher := registerClient(t, hub, "session-watcher")
	hub.Subscribe(taskWatcher, events.TaskChannel("task-1"))
	hub.Subscribe(sessionWatcher, events.SessionChannel("sess-1"))

	event := bus.NewEvent(events.TaskUpdated, "test", map[string]interface{}{
		"id":         "task-1",
		"session_id": "sess-1",
		"status":     "completed",
	})
	require.NoError(t, eventBus.Publish(ctx, events.TaskUpdated, event))

	assert.Equal(t, ws.NotifyTaskUpdated, drainOne(t, taskWatcher).Action)
	assert.Equal(t, ws.NotifyTaskUpdated, drainOne(t, sessionWatcher).Action)
}

func TestBusBridgeBoardRouting(t *testing.T) {
	hub := startHub(t)
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	t.Cleanup(eventBus.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	RegisterBusBridge(ctx, eventBus, hub, newTestLogger(t))

	boardWatcher := registerClient(t, hub, "board-watcher")
	hub.Subscribe(boardWatcher, events.BoardChannel("board-1"))

	event := bus.NewEvent(events.BoardCommentCreated, "test", map[string]interface{}{
		"board_id": "board-1",
		"id":       "comment-1",
	})
	require.NoError(t, eventBus.Publish(ctx, events.BoardCommentCreated, event))

	assert.Equal(t, ws.NotifyBoardComment, drainOne(t, boardWatcher).Action)
}

func TestBusBridgeClose(t *testing.T) {
	hub := startHub(t)
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	t.Cleanup(eventBus.Close)

	ctx, cancel := context.WithCancel(context.Background())
	bridge := RegisterBusBridge(ctx, eventBus, hub, newTestLogger(t))
	require.NotEmpty(t, bridge.subscriptions)
	subs := bridge.subscriptions

	cancel()

	// Cancellation tears down all subscriptions.
	require.Eventually(t, func() bool {
		for _, sub := range subs {
			if sub.IsValid() {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/events"
	"github.com/agor/agor/internal/events/bus"
	ws "github.com/agor/agor/pkg/websocket"
)

// routeFunc maps an event payload to the channel rooms it should reach.
// An empty result means broadcast to every client.
type routeFunc func(data map[string]interface{}) []string

// BusBridge subscribes to the internal event bus and fans events out to
// the matching gateway rooms as ws notifications.
type BusBridge struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterBusBridge wires every bus subject the gateway mirrors. The
// bridge unsubscribes when ctx is cancelled.
func RegisterBusBridge(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *BusBridge {
	b := &BusBridge{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-bus-bridge")),
	}
	if eventBus == nil {
		return b
	}

	// Session lifecycle is global: dashboards need to see sessions appear
	// before anyone has subscribed to them.
	b.subscribe(eventBus, events.SessionCreated, ws.NotifySessionCreated, nil)
	b.subscribe(eventBus, events.SessionUpdated, ws.NotifySessionUpdated, routeSession)
	b.subscribe(eventBus, events.SessionDeleted, ws.NotifySessionDeleted, nil)
	b.subscribe(eventBus, events.SessionArchived, ws.NotifySessionUpdated, nil)

	b.subscribe(eventBus, events.TaskCreated, ws.NotifyTaskCreated, routeTask)
	b.subscribe(eventBus, events.TaskUpdated, ws.NotifyTaskUpdated, routeTask)

	b.subscribe(eventBus, events.MessageCreated, ws.NotifyMessageCreated, routeMessages)
	b.subscribe(eventBus, events.MessageUpdated, ws.NotifyMessageUpdated, routeMessages)

	b.subscribe(eventBus, events.BuildAgentStreamWildcardSubject(), ws.NotifyAgentStream, routeSession)
	b.subscribe(eventBus, events.TaskStop+".*", ws.NotifyTaskStop, routeSession)
	b.subscribe(eventBus, events.TaskStopAck+".*", ws.NotifyTaskStopAck, routeSession)

	b.subscribe(eventBus, events.BuildPermissionRequestWildcardSubject(), ws.NotifyPermissionAsked, routeSession)
	b.subscribe(eventBus, events.BuildPermissionResolvedWildcardSubject(), ws.NotifyPermissionDone, routeSession)

	b.subscribe(eventBus, events.WorktreeCreated, ws.NotifyWorktreeUpdated, routeBoard)
	b.subscribe(eventBus, events.WorktreeUpdated, ws.NotifyWorktreeUpdated, routeBoard)
	b.subscribe(eventBus, events.WorktreeArchived, ws.NotifyWorktreeUpdated, routeBoard)
	b.subscribe(eventBus, events.WorktreeDeleted, ws.NotifyWorktreeUpdated, routeBoard)

	b.subscribe(eventBus, events.BoardCommentCreated, ws.NotifyBoardComment, routeBoard)
	b.subscribe(eventBus, events.BoardCommentUpdated, ws.NotifyBoardComment, routeBoard)
	b.subscribe(eventBus, events.BoardCommentDeleted, ws.NotifyBoardComment, routeBoard)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes all bridge subscriptions.
func (b *BusBridge) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *BusBridge) subscribe(eventBus bus.EventBus, subject, action string, route routeFunc) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification",
				zap.String("action", action), zap.Error(err))
			return nil
		}

		if route != nil {
			if channels := route(event.Data); len(channels) > 0 {
				for _, channel := range channels {
					b.hub.BroadcastToChannel(channel, msg)
				}
				return nil
			}
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// routeSession targets the session room.
func routeSession(data map[string]interface{}) []string {
	if id := stringField(data, "session_id"); id != "" {
		return []string{events.SessionChannel(id)}
	}
	return nil
}

// routeMessages targets the transcript room for the message's session.
func routeMessages(data map[string]interface{}) []string {
	if id := stringField(data, "session_id"); id != "" {
		return []string{events.MessagesChannel(id)}
	}
	return nil
}

// routeTask targets the task room and the owning session's room, so
// session watchers see task state without a second subscription.
func routeTask(data map[string]interface{}) []string {
	var channels []string
	taskID := stringField(data, "id")
	if taskID == "" {
		taskID = stringField(data, "task_id")
	}
	if taskID != "" {
		channels = append(channels, events.TaskChannel(taskID))
	}
	if id := stringField(data, "session_id"); id != "" {
		channels = append(channels, events.SessionChannel(id))
	}
	return channels
}

// routeBoard targets the board room.
func routeBoard(data map[string]interface{}) []string {
	if id := stringField(data, "board_id"); id != "" {
		return []string{events.BoardChannel(id)}
	}
	return nil
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	value, _ := data[key].(string)
	return value
}

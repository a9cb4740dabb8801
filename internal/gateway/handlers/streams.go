package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/events"
	"github.com/agor/agor/internal/events/bus"
	ws "github.com/agor/agor/pkg/websocket"
)

func (h *Handlers) registerStreams(d *ws.Dispatcher) {
	d.RegisterFunc(ws.NotifyAgentStream, h.agentStream)
}

// agentStream republishes an executor's streaming frame onto the event
// bus, where the bridge fans it out to the session room. Sent as a
// notification; no reply frame.
func (h *Handlers) agentStream(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload map[string]interface{}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	sessionID, _ := payload["session_id"].(string)
	if sessionID == "" {
		h.logger.Warn("agent stream frame without session_id dropped")
		return nil, nil
	}

	event := bus.NewEvent(events.AgentStream, "executor", payload)
	if err := h.eventBus.Publish(ctx, events.BuildAgentStreamSubject(sessionID), event); err != nil {
		h.logger.Error("Failed to publish agent stream frame",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil, nil
}

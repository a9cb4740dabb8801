package handlers

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
	ws "github.com/agor/agor/pkg/websocket"
)

func (h *Handlers) registerQueue(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionQueueStatus, h.queueStatus)
	d.RegisterFunc(ws.ActionQueueReplace, h.queueReplace)
	d.RegisterFunc(ws.ActionQueueCancel, h.queueCancel)
}

func (h *Handlers) queueStatus(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	queued := h.prompts.Queue().Status(payload.SessionID)
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"session_id": payload.SessionID,
		"queued":     queued,
	})
}

// queueReplace swaps whatever is queued for a single new prompt, so typing
// over a pending prompt never stacks both.
func (h *Handlers) queueReplace(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		SessionID string `json:"session_id"`
		v1.PromptRequest
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	if payload.Prompt == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "prompt is required", nil)
	}
	entry := h.prompts.Queue().Replace(payload.SessionID, payload.PromptRequest)
	return ws.NewResponse(msg.ID, msg.Action, entry)
}

func (h *Handlers) queueCancel(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	removed := h.prompts.Queue().Cancel(payload.SessionID)
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"session_id": payload.SessionID,
		"removed":    removed,
	})
}

package handlers

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
	ws "github.com/agor/agor/pkg/websocket"
)

func (h *Handlers) registerMessages(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionMessageCreate, h.messageCreate)
	d.RegisterFunc(ws.ActionMessageUpdate, h.messageUpdate)
	d.RegisterFunc(ws.ActionMessageFind, h.messageFind)
}

func (h *Handlers) messageCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.CreateMessageRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badPayload(msg, err)
	}
	message, err := h.sessions.CreateMessage(ctx, req)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, message)
}

func (h *Handlers) messageUpdate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID       string              `json:"id"`
		Content  []v1.ContentBlock   `json:"content"`
		ToolUses []string            `json:"tool_uses,omitempty"`
		Metadata *v1.MessageMetadata `json:"metadata,omitempty"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	message, err := h.sessions.UpdateMessage(ctx, payload.ID, payload.Content, payload.ToolUses, payload.Metadata)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, message)
}

func (h *Handlers) messageFind(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var filter v1.FindMessagesRequest
	if err := msg.ParsePayload(&filter); err != nil {
		return badPayload(msg, err)
	}
	messages, err := h.sessions.FindMessages(ctx, filter)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, messages)
}

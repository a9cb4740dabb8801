package handlers

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
	ws "github.com/agor/agor/pkg/websocket"
)

func (h *Handlers) registerPermissions(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionPermissionRequest, h.permissionRequest)
	d.RegisterFunc(ws.ActionPermissionDecide, h.permissionDecide)
	d.RegisterFunc(ws.ActionPermissionList, h.permissionList)
}

// permissionRequest is called by the executor-side gate when a tool call
// needs a human decision. The service moves the task to awaiting_permission
// and fans the request out to the session room.
func (h *Handlers) permissionRequest(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.PermissionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badPayload(msg, err)
	}
	recorded, err := h.sessions.RequestPermission(ctx, &req)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, recorded)
}

func (h *Handlers) permissionDecide(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var decision v1.PermissionDecision
	if err := msg.ParsePayload(&decision); err != nil {
		return badPayload(msg, err)
	}
	if err := h.sessions.ResolvePermission(ctx, decision); err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"request_id": decision.RequestID,
		"behavior":   decision.Behavior,
		"scope":      decision.Scope,
	})
}

// permissionList returns the pending requests across all sessions, one per
// task sitting in awaiting_permission.
func (h *Handlers) permissionList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var filter struct {
		SessionID string `json:"session_id,omitempty"`
	}
	if err := msg.ParsePayload(&filter); err != nil {
		return badPayload(msg, err)
	}
	status := v1.TaskStatusAwaitingPermission
	req := v1.FindTasksRequest{Status: &status}
	if filter.SessionID != "" {
		req.SessionID = &filter.SessionID
	}
	tasks, err := h.sessions.FindTasks(ctx, req)
	if err != nil {
		return errorFrame(msg, err)
	}
	pending := make([]*v1.PermissionRequest, 0, len(tasks))
	for _, task := range tasks {
		if task.PermissionRequest != nil {
			pending = append(pending, task.PermissionRequest)
		}
	}
	return ws.NewResponse(msg.ID, msg.Action, pending)
}

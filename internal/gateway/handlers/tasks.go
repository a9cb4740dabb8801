package handlers

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
	ws "github.com/agor/agor/pkg/websocket"
)

func (h *Handlers) registerTasks(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionTaskGet, h.taskGet)
	d.RegisterFunc(ws.ActionTaskUpdate, h.taskUpdate)
	d.RegisterFunc(ws.ActionTaskFind, h.taskFind)
	d.RegisterFunc(ws.ActionTaskStop, h.taskStop)
	d.RegisterFunc(ws.NotifyTaskStopAck, h.taskStopAck)
}

func (h *Handlers) taskGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	task, err := h.sessions.GetTask(ctx, payload.ID)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, task)
}

func (h *Handlers) taskUpdate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID string `json:"id"`
		v1.UpdateTaskRequest
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	task, err := h.sessions.UpdateTask(ctx, payload.ID, payload.UpdateTaskRequest)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, task)
}

func (h *Handlers) taskFind(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var filter v1.FindTasksRequest
	if err := msg.ParsePayload(&filter); err != nil {
		return badPayload(msg, err)
	}
	tasks, err := h.sessions.FindTasks(ctx, filter)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, tasks)
}

func (h *Handlers) taskStop(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		SessionID string `json:"session_id"`
		TaskID    string `json:"task_id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	sequence, err := h.prompts.StopTask(ctx, payload.SessionID, payload.TaskID)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"session_id": payload.SessionID,
		"task_id":    payload.TaskID,
		"sequence":   sequence,
	})
}

// taskStopAck is sent by executors as an RPC so the daemon can fan the
// acknowledgment out to everyone watching the session.
func (h *Handlers) taskStopAck(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		SessionID string `json:"session_id"`
		TaskID    string `json:"task_id"`
		Sequence  int64  `json:"sequence"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	if err := h.prompts.AckStop(ctx, payload.SessionID, payload.TaskID, payload.Sequence); err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"success": true})
}

package handlers

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
	ws "github.com/agor/agor/pkg/websocket"
)

func (h *Handlers) registerWorktrees(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionWorktreeCreate, h.worktreeCreate)
	d.RegisterFunc(ws.ActionWorktreeGet, h.worktreeGet)
	d.RegisterFunc(ws.ActionWorktreeUpdate, h.worktreeUpdate)
	d.RegisterFunc(ws.ActionWorktreeArchive, h.worktreeArchive)
	d.RegisterFunc(ws.ActionWorktreeUnarchive, h.worktreeUnarchive)
	d.RegisterFunc(ws.ActionWorktreeDelete, h.worktreeArchive)
	d.RegisterFunc(ws.ActionWorktreeFind, h.worktreeFind)
	d.RegisterFunc(ws.ActionOwnerFind, h.ownerFind)
	d.RegisterFunc(ws.ActionOwnerCreate, h.ownerCreate)
	d.RegisterFunc(ws.ActionOwnerRemove, h.ownerRemove)
}

func (h *Handlers) worktreeCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.CreateWorktreeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badPayload(msg, err)
	}
	wt, err := h.sessions.CreateWorktree(ctx, req)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, wt)
}

func (h *Handlers) worktreeGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	wt, err := h.sessions.GetWorktree(ctx, payload.ID)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, wt)
}

func (h *Handlers) worktreeUpdate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID string `json:"id"`
		v1.UpdateWorktreeRequest
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	wt, err := h.sessions.UpdateWorktree(ctx, payload.ID, payload.UpdateWorktreeRequest)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, wt)
}

// worktreeArchive archives a referenced worktree or deletes an orphaned
// one; the response reports which happened.
func (h *Handlers) worktreeArchive(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	wt, err := h.sessions.ArchiveOrDeleteWorktree(ctx, payload.ID)
	if err != nil {
		return errorFrame(msg, err)
	}
	if wt == nil {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"deleted": true, "id": payload.ID})
	}
	return ws.NewResponse(msg.ID, msg.Action, wt)
}

func (h *Handlers) worktreeUnarchive(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	wt, err := h.sessions.UnarchiveWorktree(ctx, payload.ID)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, wt)
}

func (h *Handlers) worktreeFind(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		BoardID string `json:"board_id,omitempty"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	worktrees, err := h.sessions.FindWorktrees(ctx, payload.BoardID)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, worktrees)
}

func (h *Handlers) ownerFind(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		WorktreeID string `json:"worktree_id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	owners, err := h.sessions.FindWorktreeOwners(ctx, payload.WorktreeID)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, owners)
}

func (h *Handlers) ownerCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		WorktreeID string `json:"worktree_id"`
		v1.AddWorktreeOwnerRequest
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	owner, err := h.sessions.AddWorktreeOwner(ctx, payload.WorktreeID, payload.AddWorktreeOwnerRequest)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, owner)
}

func (h *Handlers) ownerRemove(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		WorktreeID string `json:"worktree_id"`
		UserID     string `json:"user_id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	if err := h.sessions.RemoveWorktreeOwner(ctx, payload.WorktreeID, payload.UserID); err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"success": true})
}

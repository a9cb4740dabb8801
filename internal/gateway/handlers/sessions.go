package handlers

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
	ws "github.com/agor/agor/pkg/websocket"
)

func (h *Handlers) registerSessions(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionSessionCreate, h.sessionCreate)
	d.RegisterFunc(ws.ActionSessionGet, h.sessionGet)
	d.RegisterFunc(ws.ActionSessionUpdate, h.sessionUpdate)
	d.RegisterFunc(ws.ActionSessionDelete, h.sessionDelete)
	d.RegisterFunc(ws.ActionSessionFind, h.sessionFind)
	d.RegisterFunc(ws.ActionSessionFork, h.sessionFork)
	d.RegisterFunc(ws.ActionSessionSpawn, h.sessionSpawn)
	d.RegisterFunc(ws.ActionSessionArchive, h.sessionArchive)
	d.RegisterFunc(ws.ActionSessionPrompt, h.sessionPrompt)
	d.RegisterFunc(ws.ActionSessionAllowTool, h.sessionAllowTool)
	d.RegisterFunc(ws.ActionSessionMCPCreate, h.sessionMCPCreate)
	d.RegisterFunc(ws.ActionSessionMCPRemove, h.sessionMCPRemove)
	d.RegisterFunc(ws.ActionSessionMCPList, h.sessionMCPList)
}

func (h *Handlers) sessionCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.CreateSessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badPayload(msg, err)
	}
	session, err := h.sessions.CreateSession(ctx, req)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, session)
}

func (h *Handlers) sessionGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	session, err := h.sessions.GetSession(ctx, payload.ID)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, session)
}

func (h *Handlers) sessionUpdate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID string `json:"id"`
		v1.UpdateSessionRequest
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	// Continuation-token patches come from executors mid-turn and can race
	// session deletion; the guarded paths downgrade that race to a warning
	// instead of failing the turn.
	if tokenOnlyUpdate(payload.UpdateSessionRequest) {
		var err error
		if payload.ClearSdkSession {
			err = h.sessions.ClearSdkSessionID(ctx, payload.ID)
		} else {
			err = h.sessions.CaptureSdkSessionID(ctx, payload.ID, *payload.SdkSessionID)
		}
		if err != nil {
			return errorFrame(msg, err)
		}
	} else {
		if _, err := h.sessions.UpdateSession(ctx, payload.ID, payload.UpdateSessionRequest); err != nil {
			return errorFrame(msg, err)
		}
	}

	session, err := h.sessions.GetSession(ctx, payload.ID)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, session)
}

// tokenOnlyUpdate reports whether the patch touches nothing but the
// vendor continuation token.
func tokenOnlyUpdate(req v1.UpdateSessionRequest) bool {
	touchesToken := req.ClearSdkSession || req.SdkSessionID != nil
	touchesRest := req.WorktreeID != nil || req.Status != nil ||
		req.ModelConfig != nil || req.PermissionConfig != nil || req.Archived != nil
	return touchesToken && !touchesRest
}

func (h *Handlers) sessionDelete(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	if err := h.sessions.DeleteSession(ctx, payload.ID); err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"success": true})
}

func (h *Handlers) sessionFind(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var filter v1.FindSessionsRequest
	if err := msg.ParsePayload(&filter); err != nil {
		return badPayload(msg, err)
	}
	sessions, err := h.sessions.FindSessions(ctx, filter)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, sessions)
}

func (h *Handlers) sessionFork(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ParentID string `json:"parent_id"`
		v1.ForkSessionRequest
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	session, err := h.sessions.ForkSession(ctx, payload.ParentID, payload.ForkSessionRequest)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, session)
}

func (h *Handlers) sessionSpawn(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ParentID string `json:"parent_id"`
		v1.SpawnSessionRequest
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	session, err := h.sessions.SpawnSession(ctx, payload.ParentID, payload.SpawnSessionRequest)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, session)
}

func (h *Handlers) sessionArchive(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID       string `json:"id"`
		Archived *bool  `json:"archived,omitempty"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	archived := true
	if payload.Archived != nil {
		archived = *payload.Archived
	}
	session, err := h.sessions.UpdateSession(ctx, payload.ID, v1.UpdateSessionRequest{Archived: &archived})
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, session)
}

func (h *Handlers) sessionPrompt(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		SessionID string `json:"session_id"`
		v1.PromptRequest
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	resp, err := h.prompts.SubmitPrompt(ctx, payload.SessionID, payload.PromptRequest)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, resp)
}

func (h *Handlers) sessionAllowTool(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		SessionID string `json:"session_id"`
		ToolName  string `json:"tool_name"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	session, err := h.sessions.AddAllowedTool(ctx, payload.SessionID, payload.ToolName)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, session)
}

func (h *Handlers) sessionMCPCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		SessionID string       `json:"session_id"`
		Server    v1.MCPServer `json:"server"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	server, err := h.sessions.AddSessionMCPServer(ctx, payload.SessionID, payload.Server)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, server)
}

func (h *Handlers) sessionMCPRemove(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		SessionID string `json:"session_id"`
		ServerID  string `json:"server_id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	if err := h.sessions.RemoveSessionMCPServer(ctx, payload.SessionID, payload.ServerID); err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"success": true})
}

func (h *Handlers) sessionMCPList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	servers, err := h.sessions.SessionMCPServers(ctx, payload.SessionID)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, servers)
}

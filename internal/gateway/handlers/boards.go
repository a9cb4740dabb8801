package handlers

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
	ws "github.com/agor/agor/pkg/websocket"
)

func (h *Handlers) registerBoards(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionBoardCreate, h.boardCreate)
	d.RegisterFunc(ws.ActionBoardGet, h.boardGet)
	d.RegisterFunc(ws.ActionBoardCommentCreate, h.commentCreate)
	d.RegisterFunc(ws.ActionBoardCommentReply, h.commentReply)
	d.RegisterFunc(ws.ActionBoardCommentReact, h.commentReact)
	d.RegisterFunc(ws.ActionBoardCommentFind, h.commentFind)
}

func (h *Handlers) boardCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.CreateBoardRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badPayload(msg, err)
	}
	board, err := h.sessions.CreateBoard(ctx, req)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, board)
}

func (h *Handlers) boardGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	board, err := h.sessions.GetBoard(ctx, payload.ID)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, board)
}

func (h *Handlers) commentCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.CreateBoardCommentRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badPayload(msg, err)
	}
	comment, err := h.sessions.CreateComment(ctx, req)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, comment)
}

func (h *Handlers) commentReply(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		ParentID string `json:"parent_id"`
		v1.ReplyBoardCommentRequest
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	reply, err := h.sessions.ReplyToComment(ctx, payload.ParentID, payload.ReplyBoardCommentRequest)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, reply)
}

func (h *Handlers) commentReact(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		CommentID string `json:"comment_id"`
		v1.ToggleReactionRequest
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	comment, err := h.sessions.ToggleReaction(ctx, payload.CommentID, payload.ToggleReactionRequest)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, comment)
}

func (h *Handlers) commentFind(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var payload struct {
		BoardID string `json:"board_id"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return badPayload(msg, err)
	}
	comments, err := h.sessions.FindComments(ctx, payload.BoardID)
	if err != nil {
		return errorFrame(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, comments)
}

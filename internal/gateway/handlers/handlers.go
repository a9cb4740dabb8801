// Package handlers implements the websocket RPC surface: every action the
// browser and executor clients can invoke is dispatched here into the
// service layer. Handlers validate, call, and answer with post-state; all
// fanout happens through the event bus, never directly from a handler.
package handlers

import (
	"errors"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/daemon"
	"github.com/agor/agor/internal/events/bus"
	"github.com/agor/agor/internal/session/repository"
	"github.com/agor/agor/internal/session/service"
	ws "github.com/agor/agor/pkg/websocket"
)

// Handlers bundles the services behind the RPC surface.
type Handlers struct {
	sessions *service.Service
	prompts  *daemon.PromptService
	eventBus bus.EventBus
	logger   *logger.Logger
}

// New creates the handler set.
func New(sessions *service.Service, prompts *daemon.PromptService, eventBus bus.EventBus, log *logger.Logger) *Handlers {
	return &Handlers{
		sessions: sessions,
		prompts:  prompts,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "ws-handlers")),
	}
}

// RegisterAll wires every action onto the dispatcher.
func (h *Handlers) RegisterAll(d *ws.Dispatcher) {
	h.registerSessions(d)
	h.registerTasks(d)
	h.registerMessages(d)
	h.registerWorktrees(d)
	h.registerPermissions(d)
	h.registerBoards(d)
	h.registerQueue(d)
	h.registerStreams(d)
}

// errorFrame maps service errors onto wire error codes.
func errorFrame(msg *ws.Message, err error) (*ws.Message, error) {
	code := ws.ErrorCodeInternalError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		code = ws.ErrorCodeValidation
	case errors.Is(err, service.ErrConflict),
		errors.Is(err, repository.ErrNormalizedImmutable),
		errors.Is(err, repository.ErrDuplicateMCPServer):
		code = ws.ErrorCodeConflict
	case errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrTaskNotFound),
		errors.Is(err, repository.ErrMessageNotFound),
		errors.Is(err, repository.ErrWorktreeNotFound),
		errors.Is(err, repository.ErrBoardNotFound),
		errors.Is(err, repository.ErrCommentNotFound):
		code = ws.ErrorCodeNotFound
	}
	return ws.NewError(msg.ID, msg.Action, code, err.Error(), nil)
}

// badPayload answers a request whose payload failed to parse.
func badPayload(msg *ws.Message, err error) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
}

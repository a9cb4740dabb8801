package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/agent/driver"
	agentevents "github.com/agor/agor/internal/agent/events"
	"github.com/agor/agor/internal/agent/normalizer"
	"github.com/agor/agor/internal/agent/permission"
	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/events"
	v1 "github.com/agor/agor/pkg/api/v1"
	ws "github.com/agor/agor/pkg/websocket"
)

// patchTimeout bounds daemon writes made outside the turn context, so a
// cancelled turn can still record its final state.
const patchTimeout = 15 * time.Second

// API is the daemon surface the runtime depends on. *DaemonAPI satisfies
// it; it subsumes the permission arbiter's Control interface and the
// normalizer's Store interface.
type API interface {
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	UpdateSession(ctx context.Context, id string, req v1.UpdateSessionRequest) (*v1.Session, error)
	UpdateTask(ctx context.Context, taskID string, req v1.UpdateTaskRequest) (*v1.Task, error)
	RequestPermission(ctx context.Context, req *v1.PermissionRequest) (*v1.PermissionRequest, error)
	AddAllowedTool(ctx context.Context, sessionID, toolName string) (*v1.Session, error)
	CreateMessage(ctx context.Context, req v1.CreateMessageRequest) (*v1.Message, error)
	FindMessages(ctx context.Context, filter v1.FindMessagesRequest) ([]*v1.Message, error)
	CompletedTasks(ctx context.Context, sessionID string, limit int) ([]*v1.Task, error)
	SessionMCPServers(ctx context.Context, sessionID string) ([]v1.MCPServer, error)
	AckStop(ctx context.Context, sessionID, taskID string, sequence int64) error
	StreamEvent(sessionID, taskID string, event agentevents.ProcessedEvent) error
}

// Transport receives daemon push frames. *Client satisfies it.
type Transport interface {
	Subscribe(ctx context.Context, channel string) error
	OnNotify(action string, fn func(*ws.Message))
}

// Options parameterizes one executor run.
type Options struct {
	SessionID      string
	TaskID         string
	Tool           v1.AgenticTool
	Prompt         string
	PermissionMode *v1.PermissionMode
	Workdir        string
	MCPBaseURL     string
}

// Runtime executes exactly one prompt turn: resolve the driver setup, run
// the vendor driver, and forward every event through the daemon.
type Runtime struct {
	api         API
	transport   Transport
	drivers     *driver.Registry
	normalizers *normalizer.Registry
	logger      *logger.Logger
}

// NewRuntime builds a runtime with all vendor drivers registered.
func NewRuntime(api API, transport Transport, log *logger.Logger) *Runtime {
	drivers := driver.NewRegistry()
	drivers.Register(v1.ToolClaudeCode, driver.NewClaudeDriver(log))
	drivers.Register(v1.ToolGemini, driver.NewGeminiDriver(log))
	drivers.Register(v1.ToolCodex, driver.NewCodexDriver(log))
	drivers.Register(v1.ToolOpenCode, driver.NewOpenCodeDriver(log))

	return &Runtime{
		api:         api,
		transport:   transport,
		drivers:     drivers,
		normalizers: normalizer.NewRegistry(),
		logger:      log.WithFields(zap.String("component", "executor-runtime")),
	}
}

// Run performs the turn. It returns nil when the task reached a terminal
// state the daemon knows about, including a user-requested stop. A panic
// anywhere in the turn marks the task failed instead of leaving it stuck
// in running.
func (r *Runtime) Run(ctx context.Context, opts Options) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("turn panicked",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			msg := fmt.Sprintf("executor panic: %v", rec)
			r.failTask(opts.TaskID, msg)
			err = errors.New(msg)
		}
	}()

	session, err := r.api.GetSession(ctx, opts.SessionID)
	if err != nil {
		r.failTask(opts.TaskID, fmt.Sprintf("failed to load session: %v", err))
		return err
	}

	tool := session.AgenticTool
	if opts.Tool != "" && opts.Tool != tool {
		r.logger.Warn("spawn tool disagrees with session, using the session's",
			zap.String("spawn_tool", string(opts.Tool)),
			zap.String("session_tool", string(tool)))
	}
	drv, err := r.drivers.Lookup(tool)
	if err != nil {
		r.failTask(opts.TaskID, err.Error())
		return err
	}

	if err := r.transport.Subscribe(ctx, events.SessionChannel(opts.SessionID)); err != nil {
		r.failTask(opts.TaskID, fmt.Sprintf("failed to subscribe to session channel: %v", err))
		return err
	}

	sessionMCP, err := r.api.SessionMCPServers(ctx, opts.SessionID)
	if err != nil {
		r.logger.Warn("failed to load session MCP servers", zap.Error(err))
	}

	setup, err := driver.Resolve(driver.SetupInput{
		Session:            session,
		Prompt:             opts.Prompt,
		PermissionOverride: opts.PermissionMode,
		WorkdirOverride:    opts.Workdir,
		WorktreePath:       opts.Workdir,
		SessionMCP:         sessionMCP,
		LoopbackBaseURL:    opts.MCPBaseURL,
		ParentSdkSessionID: r.parentSdkSessionID(ctx, session),
		Now:                time.Now(),
	}, r.logger.Zap())
	if err != nil {
		r.failTask(opts.TaskID, fmt.Sprintf("failed to resolve setup: %v", err))
		return err
	}
	for _, warning := range setup.Warnings {
		r.logger.Warn("setup warning", zap.String("warning", warning))
	}

	// An abandoned continuation token must be cleared before the turn so
	// the fresh vendor id replaces it instead of being ignored.
	if setup.ClearSdkSession {
		clearCtx, cancelClear := context.WithTimeout(ctx, patchTimeout)
		if _, err := r.api.UpdateSession(clearCtx, session.ID, v1.UpdateSessionRequest{ClearSdkSession: true}); err != nil {
			r.logger.Warn("failed to clear stale sdk session id", zap.Error(err))
		}
		cancelClear()
		session.SdkSessionID = nil
	}

	arbiter := permission.New(r.api, session, setup.Workdir, r.logger.Zap())
	arbiter.SetMode(setup.PermissionMode)

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()
	r.wireNotifications(session.ID, opts.TaskID, arbiter, drv, cancelTurn)

	running := v1.TaskStatusRunning
	if _, err := r.api.UpdateTask(ctx, opts.TaskID, v1.UpdateTaskRequest{Status: &running}); err != nil {
		r.logger.Warn("failed to mark task running", zap.Error(err))
	}

	eventCh, err := drv.Prompt(turnCtx, &driver.PromptRequest{
		Session: session,
		TaskID:  opts.TaskID,
		Prompt:  opts.Prompt,
		Setup:   setup,
		Gate:    arbiter,
	})
	if err != nil {
		if errors.Is(err, driver.ErrStopped) {
			r.markStopped(opts.TaskID)
			return nil
		}
		r.failTask(opts.TaskID, fmt.Sprintf("driver failed to start: %v", err))
		return err
	}

	return r.consume(session, opts.TaskID, tool, eventCh)
}

// wireNotifications routes daemon push frames into the turn: permission
// decisions feed the arbiter, stop requests are acknowledged and abort
// the driver. Callbacks run on the transport's read loop.
func (r *Runtime) wireNotifications(sessionID, taskID string, arbiter *permission.Arbiter, drv driver.Driver, cancelTurn context.CancelFunc) {
	r.transport.OnNotify(ws.NotifyPermissionDone, func(msg *ws.Message) {
		var decision v1.PermissionDecision
		if err := msg.ParsePayload(&decision); err != nil {
			r.logger.Warn("malformed permission resolution", zap.Error(err))
			return
		}
		if decision.RequestID == "" {
			return
		}
		arbiter.HandleResolved(decision)
	})

	r.transport.OnNotify(ws.NotifyTaskStop, func(msg *ws.Message) {
		var stop struct {
			TaskID   string `json:"task_id"`
			Sequence int64  `json:"sequence"`
		}
		if err := msg.ParsePayload(&stop); err != nil {
			r.logger.Warn("malformed stop request", zap.Error(err))
			return
		}
		if stop.TaskID != taskID {
			return
		}

		ackCtx, cancel := context.WithTimeout(context.Background(), patchTimeout)
		defer cancel()
		if err := r.api.AckStop(ackCtx, sessionID, taskID, stop.Sequence); err != nil {
			r.logger.Warn("failed to acknowledge stop", zap.Error(err))
		}
		if err := drv.Stop(sessionID); err != nil {
			r.logger.Warn("driver stop failed", zap.Error(err))
		}
		cancelTurn()
	})
}

// consume drains the driver's event stream, persisting messages and
// streaming everything else, until a terminal event closes the turn.
func (r *Runtime) consume(session *v1.Session, taskID string, tool v1.AgenticTool, eventCh <-chan agentevents.ProcessedEvent) error {
	sdkSessionCaptured := session.SdkSessionID != nil

	for event := range eventCh {
		if event.AgentSessionID != "" && !sdkSessionCaptured {
			r.captureSdkSessionID(session.ID, event.AgentSessionID)
			sdkSessionCaptured = true
		}

		switch event.Kind {
		case agentevents.KindComplete:
			r.persistMessage(session.ID, taskID, event)

		case agentevents.KindSystemComplete:
			r.persistSystemMessage(session.ID, taskID, event)
			r.stream(session.ID, taskID, event)

		case agentevents.KindResult:
			r.finishCompleted(session, taskID, tool, event)
			return nil

		case agentevents.KindStopped:
			r.markStopped(taskID)
			return nil

		default:
			r.stream(session.ID, taskID, event)
		}
	}

	err := errors.New("driver stream ended without a result")
	r.failTask(taskID, err.Error())
	return err
}

// parentSdkSessionID finds the vendor continuation token to fork from: a
// forked session that has not spoken yet inherits its parent's.
func (r *Runtime) parentSdkSessionID(ctx context.Context, session *v1.Session) string {
	if session.SdkSessionID != nil || session.Genealogy.ForkedFromSessionID == nil {
		return ""
	}
	parent, err := r.api.GetSession(ctx, *session.Genealogy.ForkedFromSessionID)
	if err != nil {
		r.logger.Warn("failed to load fork parent",
			zap.String("parent_id", *session.Genealogy.ForkedFromSessionID), zap.Error(err))
		return ""
	}
	if parent.SdkSessionID == nil {
		return ""
	}
	return *parent.SdkSessionID
}

func (r *Runtime) captureSdkSessionID(sessionID, sdkSessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), patchTimeout)
	defer cancel()
	if _, err := r.api.UpdateSession(ctx, sessionID, v1.UpdateSessionRequest{SdkSessionID: &sdkSessionID}); err != nil {
		r.logger.Warn("failed to capture sdk session id", zap.Error(err))
	}
}

// persistMessage records a complete role-boundary message. Broadcast
// happens daemon-side off the message.created event.
func (r *Runtime) persistMessage(sessionID, taskID string, event agentevents.ProcessedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), patchTimeout)
	defer cancel()

	req := v1.CreateMessageRequest{
		SessionID:       sessionID,
		TaskID:          &taskID,
		Role:            event.Role,
		Content:         event.Content,
		ToolUses:        event.ToolUses,
		ParentToolUseID: event.ParentToolUseID,
	}
	if event.ResolvedModel != "" || event.TokenUsage != nil {
		req.Metadata = &v1.MessageMetadata{Model: event.ResolvedModel, Tokens: event.TokenUsage}
	}
	if _, err := r.api.CreateMessage(ctx, req); err != nil {
		r.logger.Error("failed to persist message",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// persistSystemMessage records a vendor system event as a system-role
// message so later context accounting can see it, compaction included.
func (r *Runtime) persistSystemMessage(sessionID, taskID string, event agentevents.ProcessedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), patchTimeout)
	defer cancel()

	block := v1.ContentBlock{Type: v1.BlockTypeSystemStatus, SystemType: event.SystemType}
	if status, ok := event.SystemMetadata["status"].(string); ok {
		block.Status = status
	}

	req := v1.CreateMessageRequest{
		SessionID: sessionID,
		TaskID:    &taskID,
		Role:      v1.MessageRoleSystem,
		Content:   []v1.ContentBlock{block},
	}
	if _, err := r.api.CreateMessage(ctx, req); err != nil {
		r.logger.Error("failed to persist system message",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func (r *Runtime) stream(sessionID, taskID string, event agentevents.ProcessedEvent) {
	if err := r.api.StreamEvent(sessionID, taskID, event); err != nil {
		r.logger.Warn("failed to stream event",
			zap.String("kind", event.Kind), zap.Error(err))
	}
}

// finishCompleted normalizes the vendor result and closes the task.
func (r *Runtime) finishCompleted(session *v1.Session, taskID string, tool v1.AgenticTool, event agentevents.ProcessedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), patchTimeout)
	defer cancel()

	nctx := normalizer.Context{SessionID: session.ID, CurrentTaskID: taskID, Store: r.api}
	normalized, err := r.normalizers.Normalize(ctx, tool, event.RawSdkMessage, nctx)
	if err != nil {
		r.logger.Warn("failed to normalize result", zap.Error(err))
	}
	window := r.normalizers.ComputeContextWindow(ctx, tool, event.RawSdkMessage, nctx)

	completed := v1.TaskStatusCompleted
	req := v1.UpdateTaskRequest{
		Status:                &completed,
		RawSdkResponse:        event.RawSdkMessage,
		NormalizedSdkResponse: normalized,
		ComputedContextWindow: &window,
	}
	if _, err := r.api.UpdateTask(ctx, taskID, req); err != nil {
		r.logger.Error("failed to complete task",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func (r *Runtime) markStopped(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), patchTimeout)
	defer cancel()

	stopped := v1.TaskStatusStopped
	if _, err := r.api.UpdateTask(ctx, taskID, v1.UpdateTaskRequest{Status: &stopped}); err != nil {
		r.logger.Error("failed to mark task stopped",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func (r *Runtime) failTask(taskID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), patchTimeout)
	defer cancel()

	failed := v1.TaskStatusFailed
	if _, err := r.api.UpdateTask(ctx, taskID, v1.UpdateTaskRequest{Status: &failed, ErrorMessage: &message}); err != nil {
		r.logger.Error("failed to mark task failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// Package permission implements the tool-call gate that runs inline inside
// the prompt driver's streaming loop. Every tool invocation passes through
// Gate before the vendor SDK proceeds; asked decisions travel over the
// daemon's real-time fabric and may be remembered at session or project
// scope.
package permission

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/syncutil"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// ErrAborted is returned when the gate is cancelled while waiting for a
// decision, e.g. on task stop.
var ErrAborted = errors.New("permission gate aborted")

// Control is the daemon service surface the arbiter writes through, so that
// every mutation broadcasts. In the executor it is backed by the ws RPC
// client.
type Control interface {
	RequestPermission(ctx context.Context, req *v1.PermissionRequest) (*v1.PermissionRequest, error)
	UpdateTask(ctx context.Context, taskID string, req v1.UpdateTaskRequest) (*v1.Task, error)
	AddAllowedTool(ctx context.Context, sessionID, toolName string) (*v1.Session, error)
}

// ToolRequest describes one tool invocation to be gated.
type ToolRequest struct {
	SessionID string
	TaskID    string
	ToolName  string
	ToolUseID string
	ToolInput map[string]interface{}
}

// Decision is the arbiter's verdict handed back to the SDK.
type Decision struct {
	Behavior v1.PermissionBehavior
	Reason   string
}

var allow = Decision{Behavior: v1.PermissionAllow}

func deny(reason string) Decision {
	return Decision{Behavior: v1.PermissionDeny, Reason: reason}
}

// editTools are auto-allowed under acceptEdits mode.
var editTools = map[string]struct{}{
	"Edit":         {},
	"Write":        {},
	"MultiEdit":    {},
	"NotebookEdit": {},
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithTimeout arms a server-side decision timeout. Zero (the default)
// waits indefinitely; users may close and reopen the page.
func WithTimeout(d time.Duration) Option {
	return func(a *Arbiter) { a.timeout = d }
}

// WithBlockedTools sets tools that are denied without asking unless the
// session runs in bypass mode.
func WithBlockedTools(tools []string) Option {
	return func(a *Arbiter) {
		for _, tool := range tools {
			a.blocked[tool] = struct{}{}
		}
	}
}

// Arbiter gates tool calls for one session. At most one request is
// outstanding per session at any instant; concurrent gates serialize on a
// per-session mutex.
type Arbiter struct {
	control      Control
	logger       *zap.Logger
	locks        *syncutil.KeyedMutex
	sessionID    string
	mode         v1.PermissionMode
	worktreePath string
	timeout      time.Duration
	blocked      map[string]struct{}

	mu      sync.Mutex
	allowed []string
	pending map[string]chan v1.PermissionDecision
}

// New creates an arbiter seeded with the session's permission config.
// worktreePath may be empty; project-scope remembers then fail to persist
// and deny.
func New(control Control, session *v1.Session, worktreePath string, logger *zap.Logger, opts ...Option) *Arbiter {
	a := &Arbiter{
		control:      control,
		logger:       logger,
		locks:        syncutil.NewKeyedMutex(),
		sessionID:    session.ID,
		mode:         session.PermissionConfig.Mode,
		worktreePath: worktreePath,
		blocked:      make(map[string]struct{}),
		allowed:      slices.Clone(session.PermissionConfig.AllowedTools),
		pending:      make(map[string]chan v1.PermissionDecision),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetMode overrides the gating mode, e.g. from a per-prompt permissionMode.
func (a *Arbiter) SetMode(mode v1.PermissionMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
}

// HandleResolved feeds a decision from the real-time bus to the waiting
// gate. Decisions for unknown request ids are dropped; they belong to an
// earlier executor or were already resolved.
func (a *Arbiter) HandleResolved(decision v1.PermissionDecision) {
	a.mu.Lock()
	ch, ok := a.pending[decision.RequestID]
	a.mu.Unlock()
	if !ok {
		a.logger.Debug("decision for unknown permission request",
			zap.String("request_id", decision.RequestID))
		return
	}
	select {
	case ch <- decision:
	default:
	}
}

// Gate evaluates one tool call. It returns only after the call is allowed,
// denied, or the context is cancelled.
func (a *Arbiter) Gate(ctx context.Context, req ToolRequest) (Decision, error) {
	a.locks.Lock(req.SessionID)
	defer a.locks.Unlock(req.SessionID)

	a.mu.Lock()
	mode := a.mode
	autoAllowed := slices.Contains(a.allowed, req.ToolName)
	_, isBlocked := a.blocked[req.ToolName]
	a.mu.Unlock()

	if mode == v1.PermissionModeBypass {
		return allow, nil
	}
	if autoAllowed {
		return allow, nil
	}
	if isBlocked {
		return deny(fmt.Sprintf("tool %s is blocked", req.ToolName)), nil
	}
	if mode == v1.PermissionModeAcceptEdits {
		if _, ok := editTools[req.ToolName]; ok {
			return allow, nil
		}
	}
	return a.ask(ctx, req)
}

// ask emits the request through the daemon, which also patches the task to
// awaiting_permission, then blocks until a decision, cancellation, or the
// optional timeout.
func (a *Arbiter) ask(ctx context.Context, req ToolRequest) (Decision, error) {
	recorded, err := a.control.RequestPermission(ctx, &v1.PermissionRequest{
		TaskID:    req.TaskID,
		SessionID: req.SessionID,
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
		ToolUseID: req.ToolUseID,
	})
	if err != nil {
		return a.failTask(ctx, req, fmt.Sprintf("emitting permission request: %v", err))
	}

	ch := make(chan v1.PermissionDecision, 1)
	a.mu.Lock()
	a.pending[recorded.RequestID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, recorded.RequestID)
		a.mu.Unlock()
	}()

	a.logger.Info("awaiting permission decision",
		zap.String("request_id", recorded.RequestID),
		zap.String("tool", req.ToolName))

	var timeoutCh <-chan time.Time
	if a.timeout > 0 {
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case decision := <-ch:
		return a.apply(ctx, req, decision)
	case <-ctx.Done():
		return deny("aborted"), ErrAborted
	case <-timeoutCh:
		return a.failTask(ctx, req, "permission request timed out")
	}
}

// apply persists a remembered allow and moves the task back to running.
// Persistence failures deny and fail the task; an approval that was not
// durably recorded must not unblock the tool.
func (a *Arbiter) apply(ctx context.Context, req ToolRequest, decision v1.PermissionDecision) (Decision, error) {
	if decision.Behavior == v1.PermissionAllow {
		switch decision.Scope {
		case v1.PermissionScopeSession:
			if err := a.rememberForSession(ctx, req.ToolName); err != nil {
				return a.failTask(ctx, req, fmt.Sprintf("recording session approval: %v", err))
			}
		case v1.PermissionScopeProject:
			if err := a.rememberForProject(req.ToolName); err != nil {
				return a.failTask(ctx, req, fmt.Sprintf("recording project approval: %v", err))
			}
			a.mu.Lock()
			if !slices.Contains(a.allowed, req.ToolName) {
				a.allowed = append(a.allowed, req.ToolName)
			}
			a.mu.Unlock()
		}
	}

	running := v1.TaskStatusRunning
	if _, err := a.control.UpdateTask(ctx, req.TaskID, v1.UpdateTaskRequest{
		Status:          &running,
		ClearPermission: true,
	}); err != nil {
		a.logger.Warn("clearing permission on task", zap.Error(err))
	}

	if decision.Behavior == v1.PermissionAllow {
		return allow, nil
	}
	reason := decision.Reason
	if reason == "" {
		reason = "denied by user"
	}
	return deny(reason), nil
}

// rememberForSession adds the tool through the service layer so every
// subscriber sees the updated allow-list, then verifies the re-read.
func (a *Arbiter) rememberForSession(ctx context.Context, toolName string) error {
	session, err := a.control.AddAllowedTool(ctx, a.sessionID, toolName)
	if err != nil {
		return err
	}
	if !slices.Contains(session.PermissionConfig.AllowedTools, toolName) {
		return fmt.Errorf("tool %s missing from allowed set after write", toolName)
	}
	a.mu.Lock()
	a.allowed = slices.Clone(session.PermissionConfig.AllowedTools)
	a.mu.Unlock()
	return nil
}

// rememberForProject merges the tool into the worktree's settings file.
func (a *Arbiter) rememberForProject(toolName string) error {
	if a.worktreePath == "" {
		return errors.New("session has no worktree")
	}
	return MergeAllowedTool(a.worktreePath, toolName)
}

// failTask denies the gate and marks the task failed with the reason. Used
// when approval bookkeeping breaks; the task never silently resumes.
func (a *Arbiter) failTask(ctx context.Context, req ToolRequest, reason string) (Decision, error) {
	a.logger.Error("permission gate failure",
		zap.String("task_id", req.TaskID),
		zap.String("tool", req.ToolName),
		zap.String("reason", reason))
	failed := v1.TaskStatusFailed
	if _, err := a.control.UpdateTask(ctx, req.TaskID, v1.UpdateTaskRequest{
		Status:          &failed,
		ClearPermission: true,
		ErrorMessage:    &reason,
	}); err != nil {
		a.logger.Warn("marking task failed", zap.Error(err))
	}
	return deny(reason), nil
}

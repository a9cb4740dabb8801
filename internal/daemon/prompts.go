package daemon

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/events"
	"github.com/agor/agor/internal/events/bus"
	"github.com/agor/agor/internal/session/service"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// PromptService orchestrates prompt submission: user message, task record,
// executor token, and executor spawn, queueing instead when the session
// is busy.
// It also promotes queued prompts when the active task reaches a terminal
// state and fans out stop requests.
type PromptService struct {
	sessions *service.Service
	queue    *PromptQueue
	tokens   *TokenStore
	spawner  TaskSpawner
	eventBus bus.EventBus
	logger   *logger.Logger

	mu            sync.Mutex
	stopSequences map[string]int64 // sessionID -> last issued stop sequence
	taskSub       bus.Subscription
}

// NewPromptService wires the prompt pipeline.
func NewPromptService(sessions *service.Service, queue *PromptQueue, tokens *TokenStore, spawner TaskSpawner, eventBus bus.EventBus, log *logger.Logger) *PromptService {
	return &PromptService{
		sessions:      sessions,
		queue:         queue,
		tokens:        tokens,
		spawner:       spawner,
		eventBus:      eventBus,
		logger:        log.WithFields(zap.String("component", "prompt-service")),
		stopSequences: make(map[string]int64),
	}
}

// Start subscribes to task updates for token revocation and queued-prompt
// promotion. The queue group keeps promotion on a single daemon when
// several share a NATS bus. Stops when ctx is cancelled.
func (p *PromptService) Start(ctx context.Context) error {
	sub, err := p.eventBus.QueueSubscribe(events.TaskUpdated, "agord-prompts", func(ctx context.Context, event *bus.Event) error {
		p.onTaskUpdated(ctx, event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to task updates: %w", err)
	}
	p.taskSub = sub

	go func() {
		<-ctx.Done()
		if p.taskSub != nil && p.taskSub.IsValid() {
			_ = p.taskSub.Unsubscribe()
		}
	}()
	return nil
}

// SubmitPrompt handles sessions/{id}/prompt. When a task is already active
// the prompt is queued instead; it becomes a task when the session frees up.
func (p *PromptService) SubmitPrompt(ctx context.Context, sessionID string, req v1.PromptRequest) (*v1.PromptResponse, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", service.ErrInvalidInput)
	}

	session, err := p.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	active, err := p.sessions.ActiveTask(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		entry := p.queue.Enqueue(sessionID, req)
		p.logger.Info("prompt queued behind active task",
			zap.String("session_id", sessionID),
			zap.String("active_task_id", active.ID),
			zap.String("queued_prompt_id", entry.ID))
		return &v1.PromptResponse{SessionID: sessionID, Queued: true}, nil
	}

	task, err := p.startTask(ctx, session, req)
	if err != nil {
		return nil, err
	}
	return &v1.PromptResponse{TaskID: task.ID, SessionID: sessionID}, nil
}

// startTask runs the non-queued path: user message, task, token, spawn.
func (p *PromptService) startTask(ctx context.Context, session *v1.Session, req v1.PromptRequest) (*v1.Task, error) {
	message, err := p.sessions.CreateMessage(ctx, v1.CreateMessageRequest{
		SessionID: session.ID,
		Role:      v1.MessageRoleUser,
		Content:   []v1.ContentBlock{{Type: v1.BlockTypeText, Text: req.Prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record prompt message: %w", err)
	}

	model := session.ModelConfig.Model
	if req.Model != nil {
		model = *req.Model
	}

	task, err := p.sessions.CreateTask(ctx, &v1.Task{
		SessionID: session.ID,
		Status:    v1.TaskStatusQueued,
		Prompt:    req.Prompt,
		Model:     model,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	token, err := p.tokens.Issue(session.ID, task.ID)
	if err != nil {
		p.failTask(ctx, task.ID, "failed to issue executor token")
		return nil, fmt.Errorf("failed to issue executor token: %w", err)
	}

	spawn := SpawnRequest{
		Session:        session,
		Task:           task,
		Token:          token,
		Prompt:         req.Prompt,
		PermissionMode: req.PermissionMode,
		Workdir:        p.resolveWorkdir(ctx, session),
	}
	if err := p.spawner.Spawn(ctx, spawn); err != nil {
		p.tokens.RevokeTask(task.ID)
		p.failTask(ctx, task.ID, err.Error())
		return nil, err
	}

	status := v1.SessionStatusRunning
	if _, err := p.sessions.UpdateSession(ctx, session.ID, v1.UpdateSessionRequest{Status: &status}); err != nil {
		p.logger.Warn("failed to mark session running",
			zap.String("session_id", session.ID), zap.Error(err))
	}

	p.logger.Info("prompt accepted",
		zap.String("session_id", session.ID),
		zap.String("task_id", task.ID),
		zap.String("message_id", message.ID))
	return task, nil
}

// StopTask fans a stop request out to the session's executor. The executor
// acknowledges with the same sequence before cancelling its turn.
func (p *PromptService) StopTask(ctx context.Context, sessionID, taskID string) (int64, error) {
	task, err := p.sessions.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task.SessionID != sessionID {
		return 0, fmt.Errorf("%w: task %s does not belong to session %s", service.ErrInvalidInput, taskID, sessionID)
	}
	if task.Status.Terminal() {
		return 0, fmt.Errorf("%w: task %s already finished", service.ErrConflict, taskID)
	}

	p.mu.Lock()
	p.stopSequences[sessionID]++
	sequence := p.stopSequences[sessionID]
	p.mu.Unlock()

	status := v1.SessionStatusStopping
	if _, err := p.sessions.UpdateSession(ctx, sessionID, v1.UpdateSessionRequest{Status: &status}); err != nil {
		p.logger.Warn("failed to mark session stopping",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	event := bus.NewEvent(events.TaskStop, "prompt-service", map[string]interface{}{
		"session_id": sessionID,
		"task_id":    taskID,
		"sequence":   sequence,
	})
	if err := p.eventBus.Publish(ctx, events.BuildTaskStopSubject(sessionID), event); err != nil {
		return 0, fmt.Errorf("failed to publish stop request: %w", err)
	}

	p.logger.Info("stop requested",
		zap.String("session_id", sessionID),
		zap.String("task_id", taskID),
		zap.Int64("sequence", sequence))
	return sequence, nil
}

// AckStop records an executor's stop acknowledgment and fans it out.
func (p *PromptService) AckStop(ctx context.Context, sessionID, taskID string, sequence int64) error {
	event := bus.NewEvent(events.TaskStopAck, "prompt-service", map[string]interface{}{
		"session_id": sessionID,
		"task_id":    taskID,
		"sequence":   sequence,
	})
	return p.eventBus.Publish(ctx, events.BuildTaskStopAckSubject(sessionID), event)
}

// Queue exposes the per-session queue for the RPC surface.
func (p *PromptService) Queue() *PromptQueue {
	return p.queue
}

// onTaskUpdated revokes the executor token when a task ends and promotes
// the next queued prompt, if any.
func (p *PromptService) onTaskUpdated(ctx context.Context, event *bus.Event) {
	taskID, _ := event.Data["task_id"].(string)
	sessionID, _ := event.Data["session_id"].(string)
	if taskID == "" || sessionID == "" {
		return
	}

	task, ok := event.Data["task"].(map[string]interface{})
	if !ok {
		return
	}
	status, _ := task["status"].(string)
	if !v1.TaskStatus(status).Terminal() {
		return
	}

	p.tokens.RevokeTask(taskID)

	next, ok := p.queue.Pop(sessionID)
	if !ok {
		return
	}

	session, err := p.sessions.GetSession(ctx, sessionID)
	if err != nil {
		p.logger.Warn("queued prompt dropped: session gone",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	promoted, err := p.startTask(ctx, session, next.Request)
	if err != nil {
		p.logger.Error("failed to promote queued prompt",
			zap.String("session_id", sessionID),
			zap.String("queued_prompt_id", next.ID),
			zap.Error(err))
		return
	}
	p.logger.Info("promoted queued prompt",
		zap.String("session_id", sessionID),
		zap.String("task_id", promoted.ID))
}

// failTask marks a task failed when the spawn pipeline breaks after the
// task record exists.
func (p *PromptService) failTask(ctx context.Context, taskID, reason string) {
	status := v1.TaskStatusFailed
	if _, err := p.sessions.UpdateTask(ctx, taskID, v1.UpdateTaskRequest{
		Status:       &status,
		ErrorMessage: &reason,
	}); err != nil {
		p.logger.Warn("failed to mark task failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// resolveWorkdir maps the session's worktree to its path; empty when the
// session has no worktree (the executor falls back to its own cwd).
func (p *PromptService) resolveWorkdir(ctx context.Context, session *v1.Session) string {
	if session.WorktreeID == nil {
		return ""
	}
	worktree, err := p.sessions.GetWorktree(ctx, *session.WorktreeID)
	if err != nil {
		p.logger.Warn("worktree lookup failed for spawn",
			zap.String("session_id", session.ID),
			zap.String("worktree_id", *session.WorktreeID),
			zap.Error(err))
		return ""
	}
	return worktree.Path
}

package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/events"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// CreateTask records a new prompt attempt for a session.
func (s *Service) CreateTask(ctx context.Context, task *v1.Task) (*v1.Task, error) {
	if task.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	if _, err := s.repo.GetSession(ctx, task.SessionID); err != nil {
		return nil, err
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("session_id", task.SessionID))
	s.publish(ctx, events.TaskCreated, entityData("task", task, map[string]interface{}{
		"task_id":    task.ID,
		"session_id": task.SessionID,
	}))
	return task, nil
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// FindTasks lists tasks matching the filter.
func (s *Service) FindTasks(ctx context.Context, filter v1.FindTasksRequest) ([]*v1.Task, error) {
	return s.repo.ListTasks(ctx, filter)
}

// ActiveTask returns the session's non-terminal task, or nil when idle.
func (s *Service) ActiveTask(ctx context.Context, sessionID string) (*v1.Task, error) {
	return s.repo.ActiveTask(ctx, sessionID)
}

// CompletedTasks returns completed tasks in chronological order, bounded.
func (s *Service) CompletedTasks(ctx context.Context, sessionID string, limit int) ([]*v1.Task, error) {
	return s.repo.CompletedTasks(ctx, sessionID, limit)
}

// UpdateTask applies a patch, stamps completed_at when the task reaches a
// terminal state, and broadcasts the post-state.
func (s *Service) UpdateTask(ctx context.Context, id string, req v1.UpdateTaskRequest) (*v1.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Status != nil {
		task.Status = *req.Status
		if task.Status.Terminal() && task.CompletedAt == nil {
			now := time.Now().UTC()
			task.CompletedAt = &now
		}
	}
	if req.ClearPermission {
		task.PermissionRequest = nil
	} else if req.PermissionRequest != nil {
		task.PermissionRequest = req.PermissionRequest
	}
	if req.RawSdkResponse != nil {
		task.RawSdkResponse = req.RawSdkResponse
	}
	if req.NormalizedSdkResponse != nil {
		task.NormalizedSdkResponse = req.NormalizedSdkResponse
	}
	if req.ComputedContextWindow != nil {
		task.ComputedContextWindow = req.ComputedContextWindow
	}
	if req.ErrorMessage != nil {
		task.ErrorMessage = *req.ErrorMessage
	}

	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TaskUpdated, entityData("task", task, map[string]interface{}{
		"task_id":    task.ID,
		"session_id": task.SessionID,
	}))

	// A terminal task frees the session's active slot.
	if req.Status != nil && task.Status.Terminal() {
		s.syncSessionStatus(ctx, task)
	}
	return task, nil
}

// syncSessionStatus moves the session back to idle (or failed) when its
// active task finishes. Guarded: the session may be gone already.
func (s *Service) syncSessionStatus(ctx context.Context, task *v1.Task) {
	status := v1.SessionStatusIdle
	if task.Status == v1.TaskStatusFailed {
		status = v1.SessionStatusFailed
	}
	err := s.withSessionGuard(ctx, task.SessionID, func() error {
		_, err := s.UpdateSession(ctx, task.SessionID, v1.UpdateSessionRequest{
			Status: &status,
		})
		return err
	})
	if err != nil {
		s.logger.Warn("failed to sync session status after task completion",
			zap.String("session_id", task.SessionID),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

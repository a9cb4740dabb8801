package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/ids"
	"github.com/agor/agor/internal/events"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// RequestPermission records a pending tool gate on the task, moves the task
// to awaiting_permission, and broadcasts the request to the session room.
// At most one request per session is outstanding; the executor-side arbiter
// serializes its gates before calling in.
func (s *Service) RequestPermission(ctx context.Context, req *v1.PermissionRequest) (*v1.PermissionRequest, error) {
	if req.TaskID == "" || req.SessionID == "" || req.ToolName == "" {
		return nil, fmt.Errorf("%w: task_id, session_id, and tool_name are required", ErrInvalidInput)
	}
	if req.RequestID == "" {
		req.RequestID = ids.New()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}

	status := v1.TaskStatusAwaitingPermission
	if _, err := s.UpdateTask(ctx, req.TaskID, v1.UpdateTaskRequest{
		Status:            &status,
		PermissionRequest: req,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("permission requested",
		zap.String("request_id", req.RequestID),
		zap.String("session_id", req.SessionID),
		zap.String("tool_name", req.ToolName))
	s.publish(ctx, events.BuildPermissionRequestSubject(req.SessionID),
		entityData("permission_request", req, map[string]interface{}{
			"request_id": req.RequestID,
			"session_id": req.SessionID,
			"task_id":    req.TaskID,
		}))
	return req, nil
}

// ResolvePermission records the human decision and broadcasts it to the
// session room, where the waiting executor gate picks it up. Remember
// semantics (session allow-list, project settings file) are applied by the
// gate after it receives the decision.
func (s *Service) ResolvePermission(ctx context.Context, decision v1.PermissionDecision) error {
	if decision.RequestID == "" {
		return fmt.Errorf("%w: request_id is required", ErrInvalidInput)
	}
	if decision.Behavior != v1.PermissionAllow && decision.Behavior != v1.PermissionDeny {
		return fmt.Errorf("%w: behavior must be allow or deny", ErrInvalidInput)
	}
	if decision.Scope == "" {
		decision.Scope = v1.PermissionScopeOnce
	}
	if !decision.Scope.Valid() {
		return fmt.Errorf("%w: unknown permission scope %q", ErrInvalidInput, decision.Scope)
	}

	// Find the task carrying this pending request to stamp the decision.
	task, err := s.findTaskByRequestID(ctx, decision.RequestID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	req := task.PermissionRequest
	req.DecidedBy = &decision.DecidedBy
	req.DecidedAt = &now
	if _, err := s.UpdateTask(ctx, task.ID, v1.UpdateTaskRequest{
		PermissionRequest: req,
	}); err != nil {
		return err
	}

	s.logger.Info("permission resolved",
		zap.String("request_id", decision.RequestID),
		zap.String("session_id", task.SessionID),
		zap.String("behavior", string(decision.Behavior)),
		zap.String("scope", string(decision.Scope)))
	s.publish(ctx, events.BuildPermissionResolvedSubject(task.SessionID),
		map[string]interface{}{
			"request_id": decision.RequestID,
			"session_id": task.SessionID,
			"task_id":    task.ID,
			"behavior":   string(decision.Behavior),
			"scope":      string(decision.Scope),
			"decided_by": decision.DecidedBy,
			"reason":     decision.Reason,
		})
	return nil
}

func (s *Service) findTaskByRequestID(ctx context.Context, requestID string) (*v1.Task, error) {
	status := v1.TaskStatusAwaitingPermission
	tasks, err := s.repo.ListTasks(ctx, v1.FindTasksRequest{Status: &status})
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.PermissionRequest != nil && task.PermissionRequest.RequestID == requestID {
			return task, nil
		}
	}
	return nil, fmt.Errorf("%w: no pending permission request %s", ErrInvalidInput, requestID)
}

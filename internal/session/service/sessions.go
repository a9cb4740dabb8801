package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/events"
	"github.com/agor/agor/internal/session/repository"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// CreateSession creates a new session. A worktree id, when given, must
// reference an existing worktree.
func (s *Service) CreateSession(ctx context.Context, req v1.CreateSessionRequest) (*v1.Session, error) {
	if !req.AgenticTool.Valid() {
		return nil, fmt.Errorf("%w: unknown agentic tool %q", ErrInvalidInput, req.AgenticTool)
	}
	if req.CreatedBy == "" {
		return nil, fmt.Errorf("%w: created_by is required", ErrInvalidInput)
	}
	if req.WorktreeID != nil {
		if _, err := s.repo.GetWorktree(ctx, *req.WorktreeID); err != nil {
			if errors.Is(err, repository.ErrWorktreeNotFound) {
				return nil, fmt.Errorf("%w: worktree %s does not exist", ErrConflict, *req.WorktreeID)
			}
			return nil, err
		}
	}

	token, err := newBearerToken()
	if err != nil {
		return nil, err
	}

	session := &v1.Session{
		WorktreeID:  req.WorktreeID,
		AgenticTool: req.AgenticTool,
		Status:      v1.SessionStatusIdle,
		MCPToken:    token,
		CreatedBy:   req.CreatedBy,
	}
	if req.ModelConfig != nil {
		session.ModelConfig = *req.ModelConfig
	}
	if req.PermissionConfig != nil {
		session.PermissionConfig = *req.PermissionConfig
	}
	if session.PermissionConfig.Mode == "" {
		session.PermissionConfig.Mode = v1.PermissionModeDefault
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	session.ReadyForPrompt = true

	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("agentic_tool", string(session.AgenticTool)))
	s.publish(ctx, events.SessionCreated, entityData("session", session, map[string]interface{}{
		"session_id": session.ID,
	}))
	return session, nil
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	return s.repo.GetSession(ctx, id)
}

// FindSessions lists sessions matching the filter.
func (s *Service) FindSessions(ctx context.Context, filter v1.FindSessionsRequest) ([]*v1.Session, error) {
	return s.repo.ListSessions(ctx, filter)
}

// UpdateSession applies a patch and broadcasts the post-state.
func (s *Service) UpdateSession(ctx context.Context, id string, req v1.UpdateSessionRequest) (*v1.Session, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.WorktreeID != nil {
		if _, err := s.repo.GetWorktree(ctx, *req.WorktreeID); err != nil {
			if errors.Is(err, repository.ErrWorktreeNotFound) {
				return nil, fmt.Errorf("%w: worktree %s does not exist", ErrConflict, *req.WorktreeID)
			}
			return nil, err
		}
		session.WorktreeID = req.WorktreeID
	}
	if req.Status != nil {
		session.Status = *req.Status
	}
	if req.ModelConfig != nil {
		session.ModelConfig = *req.ModelConfig
	}
	if req.PermissionConfig != nil {
		session.PermissionConfig = *req.PermissionConfig
	}
	if req.ClearSdkSession {
		session.SdkSessionID = nil
	} else if req.SdkSessionID != nil {
		session.SdkSessionID = req.SdkSessionID
	}
	if req.Archived != nil {
		session.Archived = *req.Archived
	}

	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	session.ReadyForPrompt = session.Status == v1.SessionStatusIdle

	eventType := events.SessionUpdated
	if req.Archived != nil && *req.Archived {
		eventType = events.SessionArchived
	}
	s.publish(ctx, eventType, entityData("session", session, map[string]interface{}{
		"session_id": session.ID,
	}))
	return session, nil
}

// DeleteSession removes a session; its tasks and messages cascade.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	if err := s.repo.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.logger.Info("session deleted", zap.String("session_id", id))
	s.publish(ctx, events.SessionDeleted, map[string]interface{}{
		"session_id": id,
	})
	return nil
}

// ForkSession creates a child session that will resume the parent's vendor
// conversation under a new vendor id on its first prompt.
func (s *Service) ForkSession(ctx context.Context, parentID string, req v1.ForkSessionRequest) (*v1.Session, error) {
	parent, err := s.repo.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}

	token, err := newBearerToken()
	if err != nil {
		return nil, err
	}
	child := &v1.Session{
		WorktreeID:       parent.WorktreeID,
		AgenticTool:      parent.AgenticTool,
		Status:           v1.SessionStatusIdle,
		ModelConfig:      parent.ModelConfig,
		PermissionConfig: parent.PermissionConfig,
		MCPToken:         token,
		Genealogy: v1.Genealogy{
			ParentSessionID:     &parent.ID,
			ForkedFromSessionID: &parent.ID,
		},
		CreatedBy: req.CreatedBy,
	}
	if req.Model != nil {
		child.ModelConfig = *req.Model
	}

	if err := s.repo.CreateSession(ctx, child); err != nil {
		return nil, err
	}
	child.ReadyForPrompt = true

	s.logger.Info("session forked",
		zap.String("session_id", child.ID),
		zap.String("forked_from", parent.ID))
	s.publish(ctx, events.SessionCreated, entityData("session", child, map[string]interface{}{
		"session_id": child.ID,
	}))
	return child, nil
}

// SpawnSession creates a child session with fresh vendor context; the only
// link to the parent is genealogy metadata.
func (s *Service) SpawnSession(ctx context.Context, parentID string, req v1.SpawnSessionRequest) (*v1.Session, error) {
	parent, err := s.repo.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}

	token, err := newBearerToken()
	if err != nil {
		return nil, err
	}
	child := &v1.Session{
		WorktreeID:       parent.WorktreeID,
		AgenticTool:      parent.AgenticTool,
		Status:           v1.SessionStatusIdle,
		ModelConfig:      parent.ModelConfig,
		PermissionConfig: parent.PermissionConfig,
		MCPToken:         token,
		Genealogy: v1.Genealogy{
			ParentSessionID: &parent.ID,
		},
		CreatedBy: req.CreatedBy,
	}
	if req.Model != nil {
		child.ModelConfig = *req.Model
	}

	if err := s.repo.CreateSession(ctx, child); err != nil {
		return nil, err
	}
	child.ReadyForPrompt = true

	s.logger.Info("session spawned",
		zap.String("session_id", child.ID),
		zap.String("parent_session_id", parent.ID))
	s.publish(ctx, events.SessionCreated, entityData("session", child, map[string]interface{}{
		"session_id": child.ID,
	}))
	return child, nil
}

// AddAllowedTool adds a tool to the session's remembered allow-list. The
// read-modify-write holds the per-session lock; adding a tool twice is a
// no-op. The write is verified by re-reading the session.
func (s *Service) AddAllowedTool(ctx context.Context, sessionID, toolName string) (*v1.Session, error) {
	if toolName == "" {
		return nil, fmt.Errorf("%w: tool name is required", ErrInvalidInput)
	}

	s.sessionLocks.Lock(sessionID)
	defer s.sessionLocks.Unlock(sessionID)

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if slices.Contains(session.PermissionConfig.AllowedTools, toolName) {
		return session, nil
	}
	session.PermissionConfig.AllowedTools = append(session.PermissionConfig.AllowedTools, toolName)
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	// Verify the persisted allow-list actually contains the tool before the
	// permission gate reports the approval as remembered.
	persisted, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(persisted.PermissionConfig.AllowedTools, toolName) {
		return nil, fmt.Errorf("allowed tool %q did not persist on session %s", toolName, sessionID)
	}

	s.publish(ctx, events.SessionUpdated, entityData("session", persisted, map[string]interface{}{
		"session_id": sessionID,
	}))
	return persisted, nil
}

// CaptureSdkSessionID stores the vendor's continuation token, tolerating a
// session that was deleted while the prompt was in flight.
func (s *Service) CaptureSdkSessionID(ctx context.Context, sessionID, sdkSessionID string) error {
	return s.withSessionGuard(ctx, sessionID, func() error {
		_, err := s.UpdateSession(ctx, sessionID, v1.UpdateSessionRequest{
			SdkSessionID: &sdkSessionID,
		})
		return err
	})
}

// ClearSdkSessionID drops a stale vendor continuation token.
func (s *Service) ClearSdkSessionID(ctx context.Context, sessionID string) error {
	return s.withSessionGuard(ctx, sessionID, func() error {
		_, err := s.UpdateSession(ctx, sessionID, v1.UpdateSessionRequest{
			ClearSdkSession: true,
		})
		return err
	})
}

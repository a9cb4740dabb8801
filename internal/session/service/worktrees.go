package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/events"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// CreateWorktree registers a worktree record and grants the creator
// ownership.
func (s *Service) CreateWorktree(ctx context.Context, req v1.CreateWorktreeRequest) (*v1.Worktree, error) {
	if req.BoardID == "" || req.Name == "" || req.Path == "" {
		return nil, fmt.Errorf("%w: board_id, name, and path are required", ErrInvalidInput)
	}

	wt := &v1.Worktree{
		BoardID: req.BoardID,
		Name:    req.Name,
		Path:    req.Path,
		Branch:  req.Branch,
	}
	if err := s.repo.CreateWorktree(ctx, wt); err != nil {
		return nil, err
	}
	if req.CreatedBy != "" {
		if err := s.repo.AddWorktreeOwner(ctx, &v1.WorktreeOwner{
			WorktreeID: wt.ID,
			UserID:     req.CreatedBy,
		}); err != nil {
			return nil, err
		}
		wt.Owners = []string{req.CreatedBy}
	}

	s.logger.Info("worktree created",
		zap.String("worktree_id", wt.ID),
		zap.String("board_id", wt.BoardID))
	s.publish(ctx, events.WorktreeCreated, entityData("worktree", wt, map[string]interface{}{
		"worktree_id": wt.ID,
		"board_id":    wt.BoardID,
	}))
	return wt, nil
}

// GetWorktree returns a worktree with owners.
func (s *Service) GetWorktree(ctx context.Context, id string) (*v1.Worktree, error) {
	return s.repo.GetWorktree(ctx, id)
}

// FindWorktrees lists worktrees, optionally scoped to a board.
func (s *Service) FindWorktrees(ctx context.Context, boardID string) ([]*v1.Worktree, error) {
	return s.repo.ListWorktrees(ctx, boardID)
}

// UpdateWorktree applies a patch and broadcasts.
func (s *Service) UpdateWorktree(ctx context.Context, id string, req v1.UpdateWorktreeRequest) (*v1.Worktree, error) {
	wt, err := s.repo.GetWorktree(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		wt.Name = *req.Name
	}
	if req.Path != nil {
		wt.Path = *req.Path
	}
	if req.Branch != nil {
		wt.Branch = *req.Branch
	}
	if err := s.repo.UpdateWorktree(ctx, wt); err != nil {
		return nil, err
	}

	s.publish(ctx, events.WorktreeUpdated, entityData("worktree", wt, map[string]interface{}{
		"worktree_id": wt.ID,
		"board_id":    wt.BoardID,
	}))
	return wt, nil
}

// ArchiveOrDeleteWorktree archives a worktree that still has sessions, and
// deletes it outright when nothing references it.
func (s *Service) ArchiveOrDeleteWorktree(ctx context.Context, id string) (*v1.Worktree, error) {
	wt, err := s.repo.GetWorktree(ctx, id)
	if err != nil {
		return nil, err
	}

	sessions, err := s.repo.ListSessions(ctx, v1.FindSessionsRequest{WorktreeID: &id})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		if err := s.repo.DeleteWorktree(ctx, id); err != nil {
			return nil, err
		}
		s.publish(ctx, events.WorktreeDeleted, map[string]interface{}{
			"worktree_id": id,
			"board_id":    wt.BoardID,
		})
		return nil, nil
	}

	wt.Archived = true
	if err := s.repo.UpdateWorktree(ctx, wt); err != nil {
		return nil, err
	}
	s.publish(ctx, events.WorktreeArchived, entityData("worktree", wt, map[string]interface{}{
		"worktree_id": wt.ID,
		"board_id":    wt.BoardID,
	}))
	return wt, nil
}

// UnarchiveWorktree clears the archived flag.
func (s *Service) UnarchiveWorktree(ctx context.Context, id string) (*v1.Worktree, error) {
	wt, err := s.repo.GetWorktree(ctx, id)
	if err != nil {
		return nil, err
	}
	wt.Archived = false
	if err := s.repo.UpdateWorktree(ctx, wt); err != nil {
		return nil, err
	}
	s.publish(ctx, events.WorktreeUpdated, entityData("worktree", wt, map[string]interface{}{
		"worktree_id": wt.ID,
		"board_id":    wt.BoardID,
	}))
	return wt, nil
}

// FindWorktreeOwners lists the owner links for a worktree.
func (s *Service) FindWorktreeOwners(ctx context.Context, worktreeID string) ([]*v1.WorktreeOwner, error) {
	if _, err := s.repo.GetWorktree(ctx, worktreeID); err != nil {
		return nil, err
	}
	return s.repo.ListWorktreeOwners(ctx, worktreeID)
}

// AddWorktreeOwner grants ownership; idempotent.
func (s *Service) AddWorktreeOwner(ctx context.Context, worktreeID string, req v1.AddWorktreeOwnerRequest) (*v1.WorktreeOwner, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if _, err := s.repo.GetWorktree(ctx, worktreeID); err != nil {
		return nil, err
	}
	owner := &v1.WorktreeOwner{WorktreeID: worktreeID, UserID: req.UserID}
	if err := s.repo.AddWorktreeOwner(ctx, owner); err != nil {
		return nil, err
	}

	wt, err := s.repo.GetWorktree(ctx, worktreeID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.WorktreeUpdated, entityData("worktree", wt, map[string]interface{}{
		"worktree_id": worktreeID,
		"board_id":    wt.BoardID,
	}))
	return owner, nil
}

// RemoveWorktreeOwner revokes ownership.
func (s *Service) RemoveWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	wt, err := s.repo.GetWorktree(ctx, worktreeID)
	if err != nil {
		return err
	}
	if err := s.repo.RemoveWorktreeOwner(ctx, worktreeID, userID); err != nil {
		return err
	}
	s.publish(ctx, events.WorktreeUpdated, entityData("worktree", wt, map[string]interface{}{
		"worktree_id": worktreeID,
		"board_id":    wt.BoardID,
	}))
	return nil
}

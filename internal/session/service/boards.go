package service

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/events"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// CreateBoard creates a board.
func (s *Service) CreateBoard(ctx context.Context, req v1.CreateBoardRequest) (*v1.Board, error) {
	if req.Name == "" || req.OwnerID == "" {
		return nil, fmt.Errorf("%w: name and owner_id are required", ErrInvalidInput)
	}
	board := &v1.Board{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     req.OwnerID,
	}
	if err := s.repo.CreateBoard(ctx, board); err != nil {
		return nil, err
	}
	s.logger.Info("board created", zap.String("board_id", board.ID))
	return board, nil
}

// GetBoard returns a board by id.
func (s *Service) GetBoard(ctx context.Context, id string) (*v1.Board, error) {
	return s.repo.GetBoard(ctx, id)
}

// CreateComment posts a top-level comment to a board.
func (s *Service) CreateComment(ctx context.Context, req v1.CreateBoardCommentRequest) (*v1.BoardComment, error) {
	if req.BoardID == "" || req.AuthorID == "" || req.Body == "" {
		return nil, fmt.Errorf("%w: board_id, author_id, and body are required", ErrInvalidInput)
	}
	if _, err := s.repo.GetBoard(ctx, req.BoardID); err != nil {
		return nil, err
	}
	comment := &v1.BoardComment{
		BoardID:  req.BoardID,
		AuthorID: req.AuthorID,
		Body:     req.Body,
	}
	if err := s.repo.CreateComment(ctx, comment); err != nil {
		return nil, err
	}

	s.publish(ctx, events.BoardCommentCreated, entityData("comment", comment, map[string]interface{}{
		"comment_id": comment.ID,
		"board_id":   comment.BoardID,
	}))
	return comment, nil
}

// ReplyToComment posts a reply under an existing comment.
func (s *Service) ReplyToComment(ctx context.Context, parentID string, req v1.ReplyBoardCommentRequest) (*v1.BoardComment, error) {
	if req.AuthorID == "" || req.Body == "" {
		return nil, fmt.Errorf("%w: author_id and body are required", ErrInvalidInput)
	}
	parent, err := s.repo.GetComment(ctx, parentID)
	if err != nil {
		return nil, err
	}
	reply := &v1.BoardComment{
		BoardID:  parent.BoardID,
		ParentID: &parent.ID,
		AuthorID: req.AuthorID,
		Body:     req.Body,
	}
	if err := s.repo.CreateComment(ctx, reply); err != nil {
		return nil, err
	}

	s.publish(ctx, events.BoardCommentCreated, entityData("comment", reply, map[string]interface{}{
		"comment_id": reply.ID,
		"board_id":   reply.BoardID,
		"parent_id":  parent.ID,
	}))
	return reply, nil
}

// ToggleReaction flips a user's emoji reaction on a comment.
func (s *Service) ToggleReaction(ctx context.Context, commentID string, req v1.ToggleReactionRequest) (*v1.BoardComment, error) {
	if req.UserID == "" || req.Emoji == "" {
		return nil, fmt.Errorf("%w: user_id and emoji are required", ErrInvalidInput)
	}
	comment, err := s.repo.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}

	if comment.Reactions == nil {
		comment.Reactions = make(map[string][]string)
	}
	users := comment.Reactions[req.Emoji]
	if idx := slices.Index(users, req.UserID); idx >= 0 {
		users = slices.Delete(users, idx, idx+1)
	} else {
		users = append(users, req.UserID)
	}
	if len(users) == 0 {
		delete(comment.Reactions, req.Emoji)
	} else {
		comment.Reactions[req.Emoji] = users
	}

	if err := s.repo.UpdateComment(ctx, comment); err != nil {
		return nil, err
	}

	s.publish(ctx, events.BoardCommentUpdated, entityData("comment", comment, map[string]interface{}{
		"comment_id": comment.ID,
		"board_id":   comment.BoardID,
	}))
	return comment, nil
}

// FindComments lists a board's comments, oldest first.
func (s *Service) FindComments(ctx context.Context, boardID string) ([]*v1.BoardComment, error) {
	return s.repo.ListComments(ctx, boardID)
}

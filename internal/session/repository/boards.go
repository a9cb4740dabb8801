package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agor/agor/internal/common/ids"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// CreateBoard inserts a board row.
func (s *Store) CreateBoard(ctx context.Context, board *v1.Board) error {
	if board.ID == "" {
		board.ID = ids.New()
	}
	now := time.Now().UTC()
	if board.CreatedAt.IsZero() {
		board.CreatedAt = now
	}
	board.UpdatedAt = now

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO boards (id, name, description, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), board.ID, board.Name, board.Description, board.OwnerID, board.CreatedAt, board.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert board: %w", err)
	}
	return nil
}

// GetBoard retrieves a board by id.
func (s *Store) GetBoard(ctx context.Context, id string) (*v1.Board, error) {
	r := s.pool.Reader()
	board := &v1.Board{}
	err := r.QueryRowxContext(ctx, r.Rebind(`
		SELECT id, name, description, owner_id, created_at, updated_at
		FROM boards WHERE id = ?
	`), id).Scan(&board.ID, &board.Name, &board.Description, &board.OwnerID,
		&board.CreatedAt, &board.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBoardNotFound
	}
	if err != nil {
		return nil, err
	}
	return board, nil
}

// CreateComment inserts a board comment (top-level or reply).
func (s *Store) CreateComment(ctx context.Context, comment *v1.BoardComment) error {
	if comment.ID == "" {
		comment.ID = ids.New()
	}
	now := time.Now().UTC()
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = now
	}
	comment.UpdatedAt = now

	reactions, err := marshalColumn(comment.Reactions)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO board_comments (id, board_id, parent_id, author_id, body, reactions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), comment.ID, comment.BoardID, comment.ParentID, comment.AuthorID,
		comment.Body, reactions, comment.CreatedAt, comment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert board comment: %w", err)
	}
	return nil
}

// GetComment retrieves a comment by id.
func (s *Store) GetComment(ctx context.Context, id string) (*v1.BoardComment, error) {
	r := s.pool.Reader()
	row := r.QueryRowxContext(ctx, r.Rebind(`
		SELECT id, board_id, parent_id, author_id, body, reactions, created_at, updated_at
		FROM board_comments WHERE id = ?
	`), id)
	comment, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommentNotFound
	}
	return comment, err
}

// UpdateComment rewrites the comment body and reactions.
func (s *Store) UpdateComment(ctx context.Context, comment *v1.BoardComment) error {
	comment.UpdatedAt = time.Now().UTC()
	reactions, err := marshalColumn(comment.Reactions)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE board_comments SET body = ?, reactions = ?, updated_at = ? WHERE id = ?
	`), comment.Body, reactions, comment.UpdatedAt, comment.ID)
	if err != nil {
		return fmt.Errorf("failed to update board comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCommentNotFound
	}
	return nil
}

// ListComments returns a board's comments, oldest first.
func (s *Store) ListComments(ctx context.Context, boardID string) ([]*v1.BoardComment, error) {
	r := s.pool.Reader()
	rows, err := r.QueryxContext(ctx, r.Rebind(`
		SELECT id, board_id, parent_id, author_id, body, reactions, created_at, updated_at
		FROM board_comments WHERE board_id = ? ORDER BY created_at ASC
	`), boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list board comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.BoardComment
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, comment)
	}
	return result, rows.Err()
}

func scanComment(row rowScanner) (*v1.BoardComment, error) {
	comment := &v1.BoardComment{}
	var reactions *string
	if err := row.Scan(&comment.ID, &comment.BoardID, &comment.ParentID,
		&comment.AuthorID, &comment.Body, &reactions, &comment.CreatedAt,
		&comment.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(reactions, &comment.Reactions); err != nil {
		return nil, err
	}
	return comment, nil
}

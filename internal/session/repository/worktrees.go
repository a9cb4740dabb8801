package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agor/agor/internal/common/ids"
	"github.com/agor/agor/internal/db/dialect"
	v1 "github.com/agor/agor/pkg/api/v1"
)

const worktreeColumns = `id, board_id, name, path, branch, archived, created_at, updated_at`

// CreateWorktree registers a worktree record.
func (s *Store) CreateWorktree(ctx context.Context, wt *v1.Worktree) error {
	if wt.ID == "" {
		wt.ID = ids.New()
	}
	now := time.Now().UTC()
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = now
	}
	wt.UpdatedAt = now

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO worktrees (`+worktreeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), wt.ID, wt.BoardID, wt.Name, wt.Path, wt.Branch,
		dialect.BoolToInt(wt.Archived), wt.CreatedAt, wt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert worktree: %w", err)
	}
	return nil
}

// GetWorktree retrieves a worktree with its owners.
func (s *Store) GetWorktree(ctx context.Context, id string) (*v1.Worktree, error) {
	r := s.pool.Reader()
	row := r.QueryRowxContext(ctx, r.Rebind(`
		SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?
	`), id)
	wt, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorktreeNotFound
	}
	if err != nil {
		return nil, err
	}
	owners, err := s.ListWorktreeOwners(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, owner := range owners {
		wt.Owners = append(wt.Owners, owner.UserID)
	}
	return wt, nil
}

// UpdateWorktree writes the worktree row back and bumps updated_at.
func (s *Store) UpdateWorktree(ctx context.Context, wt *v1.Worktree) error {
	wt.UpdatedAt = time.Now().UTC()
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE worktrees SET name = ?, path = ?, branch = ?, archived = ?, updated_at = ?
		WHERE id = ?
	`), wt.Name, wt.Path, wt.Branch, dialect.BoolToInt(wt.Archived), wt.UpdatedAt, wt.ID)
	if err != nil {
		return fmt.Errorf("failed to update worktree: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorktreeNotFound
	}
	return nil
}

// DeleteWorktree removes a worktree record; owner rows cascade.
func (s *Store) DeleteWorktree(ctx context.Context, id string) error {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM worktrees WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete worktree: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorktreeNotFound
	}
	return nil
}

// ListWorktrees returns worktrees, optionally filtered by board.
func (s *Store) ListWorktrees(ctx context.Context, boardID string) ([]*v1.Worktree, error) {
	query := `SELECT ` + worktreeColumns + ` FROM worktrees`
	var args []any
	if boardID != "" {
		query += ` WHERE board_id = ?`
		args = append(args, boardID)
	}
	query += ` ORDER BY created_at ASC`

	r := s.pool.Reader()
	rows, err := r.QueryxContext(ctx, r.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wt)
	}
	return result, rows.Err()
}

// ListWorktreeOwners returns the owner links for a worktree.
func (s *Store) ListWorktreeOwners(ctx context.Context, worktreeID string) ([]*v1.WorktreeOwner, error) {
	r := s.pool.Reader()
	rows, err := r.QueryxContext(ctx, r.Rebind(`
		SELECT worktree_id, user_id, created_at FROM worktree_owners
		WHERE worktree_id = ? ORDER BY created_at ASC
	`), worktreeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktree owners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.WorktreeOwner
	for rows.Next() {
		owner := &v1.WorktreeOwner{}
		if err := rows.Scan(&owner.WorktreeID, &owner.UserID, &owner.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, owner)
	}
	return result, rows.Err()
}

// AddWorktreeOwner grants ownership; adding the same user twice is a no-op.
func (s *Store) AddWorktreeOwner(ctx context.Context, owner *v1.WorktreeOwner) error {
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	var query string
	if dialect.IsPostgres(s.pool.Driver()) {
		query = `INSERT INTO worktree_owners (worktree_id, user_id, created_at)
			VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	} else {
		query = `INSERT OR IGNORE INTO worktree_owners (worktree_id, user_id, created_at)
			VALUES (?, ?, ?)`
	}
	if _, err := w.ExecContext(ctx, w.Rebind(query), owner.WorktreeID, owner.UserID, owner.CreatedAt); err != nil {
		return fmt.Errorf("failed to add worktree owner: %w", err)
	}
	return nil
}

// RemoveWorktreeOwner revokes ownership.
func (s *Store) RemoveWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM worktree_owners WHERE worktree_id = ? AND user_id = ?
	`), worktreeID, userID); err != nil {
		return fmt.Errorf("failed to remove worktree owner: %w", err)
	}
	return nil
}

func scanWorktree(row rowScanner) (*v1.Worktree, error) {
	wt := &v1.Worktree{}
	var archived int
	if err := row.Scan(&wt.ID, &wt.BoardID, &wt.Name, &wt.Path, &wt.Branch,
		&archived, &wt.CreatedAt, &wt.UpdatedAt); err != nil {
		return nil, err
	}
	wt.Archived = archived == 1
	return wt, nil
}

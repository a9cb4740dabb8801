package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agor/agor/internal/common/ids"
	v1 "github.com/agor/agor/pkg/api/v1"
)

const taskColumns = `id, session_id, status, prompt, model, permission_request,
	raw_sdk_response, normalized_sdk_response, computed_context_window,
	error_message, created_by, created_at, completed_at`

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = ids.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusQueued
	}

	permReq, err := marshalColumn(task.PermissionRequest)
	if err != nil {
		return err
	}
	raw, err := marshalColumn(task.RawSdkResponse)
	if err != nil {
		return err
	}
	normalized, err := marshalColumn(task.NormalizedSdkResponse)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.SessionID, task.Status, task.Prompt, task.Model,
		permReq, raw, normalized, task.ComputedContextWindow,
		task.ErrorMessage, task.CreatedBy, task.CreatedAt, task.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	r := s.pool.Reader()
	row := r.QueryRowxContext(ctx, r.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// UpdateTask writes the task row back. The normalized SDK response is
// write-once: overwriting an existing value with a different one fails.
func (s *Store) UpdateTask(ctx context.Context, task *v1.Task) error {
	existing, err := s.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if existing.NormalizedSdkResponse != nil {
		if task.NormalizedSdkResponse != nil {
			prev, _ := json.Marshal(existing.NormalizedSdkResponse)
			next, _ := json.Marshal(task.NormalizedSdkResponse)
			if string(prev) != string(next) {
				return ErrNormalizedImmutable
			}
		}
		task.NormalizedSdkResponse = existing.NormalizedSdkResponse
	}

	permReq, err := marshalColumn(task.PermissionRequest)
	if err != nil {
		return err
	}
	raw, err := marshalColumn(task.RawSdkResponse)
	if err != nil {
		return err
	}
	normalized, err := marshalColumn(task.NormalizedSdkResponse)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE tasks SET status = ?, permission_request = ?, raw_sdk_response = ?,
			normalized_sdk_response = ?, computed_context_window = ?,
			error_message = ?, completed_at = ?
		WHERE id = ?
	`), task.Status, permReq, raw, normalized, task.ComputedContextWindow,
		task.ErrorMessage, task.CompletedAt, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter v1.FindTasksRequest) ([]*v1.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.SessionID != nil {
		query += ` AND session_id = ?`
		args = append(args, *filter.SessionID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// ActiveTask returns the session's non-terminal task, or nil when idle.
func (s *Store) ActiveTask(ctx context.Context, sessionID string) (*v1.Task, error) {
	tasks, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE session_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, sessionID, v1.TaskStatusQueued, v1.TaskStatusRunning, v1.TaskStatusAwaitingPermission)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// CompletedTasks returns up to limit completed tasks, oldest first. The
// context-window computation walks these in chronological order.
func (s *Store) CompletedTasks(ctx context.Context, sessionID string, limit int) ([]*v1.Task, error) {
	query := `
		SELECT ` + taskColumns + ` FROM tasks
		WHERE session_id = ? AND status = ?
		ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryTasks(ctx, query, sessionID, v1.TaskStatusCompleted)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*v1.Task, error) {
	r := s.pool.Reader()
	rows, err := r.QueryxContext(ctx, r.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func scanTask(row rowScanner) (*v1.Task, error) {
	task := &v1.Task{}
	var permReq, raw, normalized *string
	if err := row.Scan(&task.ID, &task.SessionID, &task.Status, &task.Prompt,
		&task.Model, &permReq, &raw, &normalized, &task.ComputedContextWindow,
		&task.ErrorMessage, &task.CreatedBy, &task.CreatedAt, &task.CompletedAt); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(permReq, &task.PermissionRequest); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(raw, &task.RawSdkResponse); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(normalized, &task.NormalizedSdkResponse); err != nil {
		return nil, err
	}
	return task, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agor/agor/internal/common/ids"
	v1 "github.com/agor/agor/pkg/api/v1"
)

const messageColumns = `id, session_id, task_id, idx, role, content, content_preview,
	tool_uses, parent_tool_use_id, metadata, timestamp`

// CreateMessage inserts a message at the index the caller allocated. The
// UNIQUE(session_id, idx) constraint backs the gap-free invariant.
func (s *Store) CreateMessage(ctx context.Context, message *v1.Message) error {
	if message.ID == "" {
		message.ID = ids.New()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	content, err := marshalColumn(message.Content)
	if err != nil {
		return err
	}
	toolUses, err := marshalColumn(message.ToolUses)
	if err != nil {
		return err
	}
	metadata, err := marshalColumn(message.Metadata)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), message.ID, message.SessionID, message.TaskID, message.Index,
		message.Role, content, message.ContentPreview, toolUses,
		message.ParentToolUseID, metadata, message.Timestamp)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateIndex
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*v1.Message, error) {
	r := s.pool.Reader()
	row := r.QueryRowxContext(ctx, r.Rebind(`
		SELECT `+messageColumns+` FROM messages WHERE id = ?
	`), id)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return message, err
}

// UpdateMessage rewrites the mutable parts of a message: content, preview,
// and tool uses. Used by the streaming-complete merge; identity fields
// (session, index, role) never change.
func (s *Store) UpdateMessage(ctx context.Context, message *v1.Message) error {
	content, err := marshalColumn(message.Content)
	if err != nil {
		return err
	}
	toolUses, err := marshalColumn(message.ToolUses)
	if err != nil {
		return err
	}
	metadata, err := marshalColumn(message.Metadata)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE messages SET content = ?, content_preview = ?, tool_uses = ?, metadata = ?
		WHERE id = ?
	`), content, message.ContentPreview, toolUses, metadata, message.ID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ListMessages returns a session's messages in index order.
func (s *Store) ListMessages(ctx context.Context, filter v1.FindMessagesRequest) ([]*v1.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	args := []any{filter.SessionID}
	if filter.AfterIndex != nil {
		query += ` AND idx > ?`
		args = append(args, *filter.AfterIndex)
	}
	query += ` ORDER BY idx ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	r := s.pool.Reader()
	rows, err := r.QueryxContext(ctx, r.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, message)
	}
	return result, rows.Err()
}

// MaxMessageIndex returns the highest index in the session, -1 when empty.
func (s *Store) MaxMessageIndex(ctx context.Context, sessionID string) (int64, error) {
	r := s.pool.Reader()
	var max sql.NullInt64
	err := r.QueryRowxContext(ctx, r.Rebind(`
		SELECT MAX(idx) FROM messages WHERE session_id = ?
	`), sessionID).Scan(&max)
	if err != nil {
		return -1, fmt.Errorf("failed to read max message index: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

func scanMessage(row rowScanner) (*v1.Message, error) {
	message := &v1.Message{}
	var content, toolUses, metadata *string
	if err := row.Scan(&message.ID, &message.SessionID, &message.TaskID,
		&message.Index, &message.Role, &content, &message.ContentPreview,
		&toolUses, &message.ParentToolUseID, &metadata, &message.Timestamp); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(content, &message.Content); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(toolUses, &message.ToolUses); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(metadata, &message.Metadata); err != nil {
		return nil, err
	}
	return message, nil
}

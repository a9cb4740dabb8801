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

const sessionColumns = `id, worktree_id, agentic_tool, status, model_config, permission_config,
	sdk_session_id, mcp_token, genealogy, archived, created_by, created_at, last_updated`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, session *v1.Session) error {
	if session.ID == "" {
		session.ID = ids.New()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastUpdated.IsZero() {
		session.LastUpdated = now
	}
	if session.Status == "" {
		session.Status = v1.SessionStatusIdle
	}

	modelConfig, err := marshalColumn(session.ModelConfig)
	if err != nil {
		return err
	}
	permConfig, err := marshalColumn(session.PermissionConfig)
	if err != nil {
		return err
	}
	genealogy, err := marshalColumn(session.Genealogy)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.WorktreeID, session.AgenticTool, session.Status,
		modelConfig, permConfig, session.SdkSessionID, session.MCPToken,
		genealogy, dialect.BoolToInt(session.Archived), session.CreatedBy,
		session.CreatedAt, session.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	r := s.pool.Reader()
	row := r.QueryRowxContext(ctx, r.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`), id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

// UpdateSession writes the full session row back and bumps last_updated.
func (s *Store) UpdateSession(ctx context.Context, session *v1.Session) error {
	session.LastUpdated = time.Now().UTC()

	modelConfig, err := marshalColumn(session.ModelConfig)
	if err != nil {
		return err
	}
	permConfig, err := marshalColumn(session.PermissionConfig)
	if err != nil {
		return err
	}
	genealogy, err := marshalColumn(session.Genealogy)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sessions SET worktree_id = ?, agentic_tool = ?, status = ?,
			model_config = ?, permission_config = ?, sdk_session_id = ?,
			mcp_token = ?, genealogy = ?, archived = ?, last_updated = ?
		WHERE id = ?
	`), session.WorktreeID, session.AgenticTool, session.Status, modelConfig,
		permConfig, session.SdkSessionID, session.MCPToken, genealogy,
		dialect.BoolToInt(session.Archived), session.LastUpdated, session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session; tasks and messages cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	// Session-scoped MCP links have no FK into sessions; clean up explicitly.
	_, _ = w.ExecContext(ctx, w.Rebind(
		`DELETE FROM mcp_servers WHERE scope = ? AND scope_ref = ?`), MCPScopeSession, id)
	return nil
}

// ListSessions returns sessions matching the filter, newest first.
func (s *Store) ListSessions(ctx context.Context, filter v1.FindSessionsRequest) ([]*v1.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if filter.WorktreeID != nil {
		query += ` AND worktree_id = ?`
		args = append(args, *filter.WorktreeID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	if filter.AgenticTool != nil {
		query += ` AND agentic_tool = ?`
		args = append(args, *filter.AgenticTool)
	}
	if filter.Archived != nil {
		query += ` AND archived = ?`
		args = append(args, dialect.BoolToInt(*filter.Archived))
	}
	if filter.CreatedBy != nil {
		query += ` AND created_by = ?`
		args = append(args, *filter.CreatedBy)
	}
	query += ` ORDER BY created_at DESC`

	r := s.pool.Reader()
	rows, err := r.QueryxContext(ctx, r.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// rowScanner covers *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*v1.Session, error) {
	session := &v1.Session{}
	var modelConfig, permConfig, genealogy *string
	var archived int
	if err := row.Scan(&session.ID, &session.WorktreeID, &session.AgenticTool,
		&session.Status, &modelConfig, &permConfig, &session.SdkSessionID,
		&session.MCPToken, &genealogy, &archived, &session.CreatedBy,
		&session.CreatedAt, &session.LastUpdated); err != nil {
		return nil, err
	}
	session.Archived = archived == 1
	if err := unmarshalColumn(modelConfig, &session.ModelConfig); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(permConfig, &session.PermissionConfig); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(genealogy, &session.Genealogy); err != nil {
		return nil, err
	}
	session.ReadyForPrompt = session.Status == v1.SessionStatusIdle
	return session, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	v1 "github.com/agor/agor/pkg/api/v1"
)

// AddMCPServer registers an MCP server at a scope. Duplicate ids at the
// same scope are rejected so merge precedence stays unambiguous.
func (s *Store) AddMCPServer(ctx context.Context, link MCPServerLink) error {
	if link.Server.CreatedAt.IsZero() {
		link.Server.CreatedAt = time.Now().UTC()
	}
	definition, err := marshalColumn(link.Server)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO mcp_servers (id, scope, scope_ref, definition, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), link.Server.ID, link.Scope, link.ScopeRef, definition, link.Server.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateMCPServer
		}
		return fmt.Errorf("failed to insert mcp server: %w", err)
	}
	return nil
}

// RemoveMCPServer deletes a scoped MCP server registration.
func (s *Store) RemoveMCPServer(ctx context.Context, scope MCPScope, scopeRef, serverID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM mcp_servers WHERE id = ? AND scope = ? AND scope_ref = ?
	`), serverID, scope, scopeRef)
	if err != nil {
		return fmt.Errorf("failed to remove mcp server: %w", err)
	}
	return nil
}

// ListMCPServers returns the registrations at one scope, oldest first.
func (s *Store) ListMCPServers(ctx context.Context, scope MCPScope, scopeRef string) ([]MCPServerLink, error) {
	r := s.pool.Reader()
	rows, err := r.QueryxContext(ctx, r.Rebind(`
		SELECT scope, scope_ref, definition, created_at FROM mcp_servers
		WHERE scope = ? AND scope_ref = ?
		ORDER BY created_at ASC
	`), scope, scopeRef)
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []MCPServerLink
	for rows.Next() {
		var link MCPServerLink
		var definition *string
		var createdAt time.Time
		if err := rows.Scan(&link.Scope, &link.ScopeRef, &definition, &createdAt); err != nil {
			return nil, err
		}
		var server v1.MCPServer
		if err := unmarshalColumn(definition, &server); err != nil {
			return nil, err
		}
		server.CreatedAt = createdAt
		link.Server = server
		result = append(result, link)
	}
	return result, rows.Err()
}

// LatestMCPServerAddition returns when the session last gained an MCP link.
func (s *Store) LatestMCPServerAddition(ctx context.Context, sessionID string) (time.Time, error) {
	r := s.pool.Reader()
	var latest sql.NullTime
	err := r.QueryRowxContext(ctx, r.Rebind(`
		SELECT MAX(created_at) FROM mcp_servers WHERE scope = ? AND scope_ref = ?
	`), MCPScopeSession, sessionID).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("failed to read mcp additions: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

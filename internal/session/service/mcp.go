package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/events"
	"github.com/agor/agor/internal/session/repository"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// AddSessionMCPServer links an MCP server to a session. Duplicate server
// ids at session scope are a conflict.
func (s *Service) AddSessionMCPServer(ctx context.Context, sessionID string, server v1.MCPServer) (*v1.MCPServer, error) {
	if server.ID == "" {
		return nil, fmt.Errorf("%w: server id is required", ErrInvalidInput)
	}
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	server.Scope = string(repository.MCPScopeSession)
	err := s.repo.AddMCPServer(ctx, repository.MCPServerLink{
		Scope:    repository.MCPScopeSession,
		ScopeRef: sessionID,
		Server:   server,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateMCPServer) {
			return nil, fmt.Errorf("%w: mcp server %s already linked", ErrConflict, server.ID)
		}
		return nil, err
	}

	s.logger.Info("mcp server linked",
		zap.String("session_id", sessionID),
		zap.String("server_id", server.ID))
	session, err := s.repo.GetSession(ctx, sessionID)
	if err == nil {
		s.publish(ctx, events.SessionUpdated, entityData("session", session, map[string]interface{}{
			"session_id": sessionID,
		}))
	}
	return &server, nil
}

// RemoveSessionMCPServer unlinks an MCP server from a session.
func (s *Service) RemoveSessionMCPServer(ctx context.Context, sessionID, serverID string) error {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return err
	}
	if err := s.repo.RemoveMCPServer(ctx, repository.MCPScopeSession, sessionID, serverID); err != nil {
		return err
	}
	session, err := s.repo.GetSession(ctx, sessionID)
	if err == nil {
		s.publish(ctx, events.SessionUpdated, entityData("session", session, map[string]interface{}{
			"session_id": sessionID,
		}))
	}
	return nil
}

// SessionMCPServers returns the session-scoped server definitions.
func (s *Service) SessionMCPServers(ctx context.Context, sessionID string) ([]v1.MCPServer, error) {
	links, err := s.repo.ListMCPServers(ctx, repository.MCPScopeSession, sessionID)
	if err != nil {
		return nil, err
	}
	servers := make([]v1.MCPServer, 0, len(links))
	for _, link := range links {
		servers = append(servers, link.Server)
	}
	return servers, nil
}

// RepoMCPServers returns the repo-scoped server definitions for a worktree.
func (s *Service) RepoMCPServers(ctx context.Context, worktreeID string) ([]v1.MCPServer, error) {
	links, err := s.repo.ListMCPServers(ctx, repository.MCPScopeRepo, worktreeID)
	if err != nil {
		return nil, err
	}
	servers := make([]v1.MCPServer, 0, len(links))
	for _, link := range links {
		servers = append(servers, link.Server)
	}
	return servers, nil
}

// LatestMCPServerAddition reports when the session last gained a server
// link; the prompt driver uses it for resume staleness.
func (s *Service) LatestMCPServerAddition(ctx context.Context, sessionID string) (time.Time, error) {
	return s.repo.LatestMCPServerAddition(ctx, sessionID)
}

// Package mcp assembles the MCP server set a prompt runs with: the global
// catalog, repo-scoped definitions, and session-scoped definitions merged
// with precedence session > repo > global, converted to each vendor's
// config shape.
package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	v1 "github.com/agor/agor/pkg/api/v1"
)

// Merge combines server definitions by id. A session definition shadows a
// repo definition with the same id, which shadows a global one. Output is
// ordered by id so vendor configs are stable across runs.
func Merge(global, repo, session []v1.MCPServer) []v1.MCPServer {
	byID := make(map[string]v1.MCPServer)
	for _, server := range global {
		server.Scope = "global"
		byID[server.ID] = server
	}
	for _, server := range repo {
		server.Scope = "repo"
		byID[server.ID] = server
	}
	for _, server := range session {
		server.Scope = "session"
		byID[server.ID] = server
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	merged := make([]v1.MCPServer, 0, len(ids))
	for _, id := range ids {
		merged = append(merged, byID[id])
	}
	return merged
}

// AllowedToolPrefixes derives the allow-list entries that cover every tool
// a merged server declares. Vendors namespace MCP tools as
// mcp__<server>__<tool>; the bare prefix allows the whole server.
func AllowedToolPrefixes(servers []v1.MCPServer) []string {
	prefixes := make([]string, 0, len(servers))
	for _, server := range servers {
		name := server.Name
		if name == "" {
			name = server.ID
		}
		prefixes = append(prefixes, "mcp__"+name)
	}
	return prefixes
}

// SecretResolver reveals secret values referenced from server headers.
type SecretResolver interface {
	Reveal(ctx context.Context, id string) (string, error)
}

// secretPrefix marks a header value as a secret reference.
const secretPrefix = "secret://"

// ResolveHeaders replaces secret:// references in every server's headers
// with the revealed values. Resolved values must never be logged; errors
// name only the secret id.
func ResolveHeaders(ctx context.Context, servers []v1.MCPServer, resolver SecretResolver) ([]v1.MCPServer, error) {
	resolved := make([]v1.MCPServer, len(servers))
	for i, server := range servers {
		resolved[i] = server
		if len(server.Headers) == 0 {
			continue
		}
		headers := make(map[string]string, len(server.Headers))
		for key, value := range server.Headers {
			if !strings.HasPrefix(value, secretPrefix) {
				headers[key] = value
				continue
			}
			if resolver == nil {
				return nil, fmt.Errorf("server %s: header %s references a secret but no resolver is configured", server.ID, key)
			}
			secretID := strings.TrimPrefix(value, secretPrefix)
			revealed, err := resolver.Reveal(ctx, secretID)
			if err != nil {
				return nil, fmt.Errorf("server %s: resolving secret %s: %w", server.ID, secretID, err)
			}
			headers[key] = revealed
		}
		resolved[i].Headers = headers
	}
	return resolved, nil
}

package mcp

import (
	v1 "github.com/agor/agor/pkg/api/v1"
)

// LoopbackID is the reserved id of Agor's own MCP endpoint.
const LoopbackID = "agor"

// Loopback returns the server definition for the daemon's loopback MCP
// endpoint, authenticated with the session's bearer token. It is always
// merged at session scope so user definitions cannot shadow it.
func Loopback(baseURL, token string) v1.MCPServer {
	return v1.MCPServer{
		ID:        LoopbackID,
		Name:      "agor",
		Transport: v1.MCPTransportHTTP,
		URL:       baseURL + "/mcp",
		Headers:   map[string]string{"Authorization": "Bearer " + token},
		Scope:     "session",
	}
}

// ToClaudeConfig renders the merged set in Claude Code's mcpServers shape,
// keyed by server name.
func ToClaudeConfig(servers []v1.MCPServer) map[string]interface{} {
	config := make(map[string]interface{}, len(servers))
	for _, server := range servers {
		entry := map[string]interface{}{}
		switch server.Transport {
		case v1.MCPTransportStdio:
			entry["type"] = "stdio"
			entry["command"] = server.Command
			if len(server.Args) > 0 {
				entry["args"] = server.Args
			}
			if len(server.Env) > 0 {
				entry["env"] = server.Env
			}
		case v1.MCPTransportSSE:
			entry["type"] = "sse"
			entry["url"] = server.URL
			if len(server.Headers) > 0 {
				entry["headers"] = server.Headers
			}
		default:
			entry["type"] = "http"
			entry["url"] = server.URL
			if len(server.Headers) > 0 {
				entry["headers"] = server.Headers
			}
		}
		config[configName(server)] = entry
	}
	return config
}

// ToCodexConfig renders the merged set for the Codex app-server's
// per-thread mcpServers field.
func ToCodexConfig(servers []v1.MCPServer) map[string]interface{} {
	config := make(map[string]interface{}, len(servers))
	for _, server := range servers {
		entry := map[string]interface{}{}
		if server.Transport == v1.MCPTransportStdio {
			entry["command"] = server.Command
			if len(server.Args) > 0 {
				entry["args"] = server.Args
			}
			if len(server.Env) > 0 {
				entry["env"] = server.Env
			}
		} else {
			entry["url"] = server.URL
			if len(server.Headers) > 0 {
				entry["httpHeaders"] = server.Headers
			}
		}
		config[configName(server)] = entry
	}
	return config
}

// ToOpenCodeConfig renders the merged set in OpenCode's config shape.
func ToOpenCodeConfig(servers []v1.MCPServer) map[string]interface{} {
	config := make(map[string]interface{}, len(servers))
	for _, server := range servers {
		entry := map[string]interface{}{"enabled": true}
		if server.Transport == v1.MCPTransportStdio {
			entry["type"] = "local"
			command := append([]string{server.Command}, server.Args...)
			entry["command"] = command
			if len(server.Env) > 0 {
				entry["environment"] = server.Env
			}
		} else {
			entry["type"] = "remote"
			entry["url"] = server.URL
			if len(server.Headers) > 0 {
				entry["headers"] = server.Headers
			}
		}
		config[configName(server)] = entry
	}
	return config
}

func configName(server v1.MCPServer) string {
	if server.Name != "" {
		return server.Name
	}
	return server.ID
}

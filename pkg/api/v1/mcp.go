package v1

import "time"

// MCPTransport identifies how an MCP server is reached.
type MCPTransport string

const (
	MCPTransportStdio MCPTransport = "stdio"
	MCPTransportHTTP  MCPTransport = "http"
	MCPTransportSSE   MCPTransport = "sse"
)

// MCPServer describes one MCP server an agent may call. Scope records where
// the definition came from; merge precedence is session > repo > global.
type MCPServer struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Transport MCPTransport      `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Scope     string            `json:"scope,omitempty"` // global, repo, session
	CreatedAt time.Time         `json:"created_at"`
}

// AddSessionMCPServerRequest links an MCP server to a session.
type AddSessionMCPServerRequest struct {
	Server MCPServer `json:"server" binding:"required"`
}

package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// ToolDefinition describes one callable tool for SDK-embedded drivers
// (Gemini) that take declarations up front.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolExecutor lists and invokes tools. The MCP implementation connects
// to the session's merged server set.
type ToolExecutor interface {
	List(ctx context.Context) ([]ToolDefinition, error)
	Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Close()
}

// MCPToolExecutor executes tools against the session's MCP servers.
// Connections are lazy; tool names are exposed as mcp__<server>__<tool>.
type MCPToolExecutor struct {
	servers []v1.MCPServer
	logger  *logger.Logger

	mu      sync.Mutex
	clients map[string]*client.Client          // server id → connected client
	tools   map[string]toolBinding             // exposed name → binding
	defs    []ToolDefinition
	listed  bool
}

type toolBinding struct {
	serverID string
	toolName string
}

// NewMCPToolExecutor wraps the merged server set.
func NewMCPToolExecutor(servers []v1.MCPServer, log *logger.Logger) *MCPToolExecutor {
	return &MCPToolExecutor{
		servers: servers,
		logger:  log.WithFields(zap.String("component", "mcp-tools")),
		clients: make(map[string]*client.Client),
		tools:   make(map[string]toolBinding),
	}
}

// List implements ToolExecutor. It connects every server once and
// aggregates their tool declarations.
func (e *MCPToolExecutor) List(ctx context.Context) ([]ToolDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listed {
		return e.defs, nil
	}

	for _, server := range e.servers {
		mcpClient, err := e.connectLocked(ctx, server)
		if err != nil {
			e.logger.Warn("mcp server unavailable",
				zap.String("server_id", server.ID), zap.Error(err))
			continue
		}
		listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			e.logger.Warn("listing mcp tools failed",
				zap.String("server_id", server.ID), zap.Error(err))
			continue
		}
		for _, tool := range listResp.Tools {
			exposed := fmt.Sprintf("mcp__%s__%s", serverLabel(server), tool.Name)
			e.tools[exposed] = toolBinding{serverID: server.ID, toolName: tool.Name}
			e.defs = append(e.defs, ToolDefinition{
				Name:        exposed,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			})
		}
	}
	e.listed = true
	return e.defs, nil
}

// Execute implements ToolExecutor.
func (e *MCPToolExecutor) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	e.mu.Lock()
	binding, ok := e.tools[name]
	var mcpClient *client.Client
	if ok {
		mcpClient = e.clients[binding.serverID]
	}
	e.mu.Unlock()

	if !ok || mcpClient == nil {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = binding.toolName
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", name, err)
	}
	return parseCallResult(resp), nil
}

// Close disconnects every server.
func (e *MCPToolExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, mcpClient := range e.clients {
		_ = mcpClient.Close()
		delete(e.clients, id)
	}
}

func (e *MCPToolExecutor) connectLocked(ctx context.Context, server v1.MCPServer) (*client.Client, error) {
	if existing, ok := e.clients[server.ID]; ok {
		return existing, nil
	}

	var (
		mcpClient *client.Client
		err       error
	)
	switch server.Transport {
	case v1.MCPTransportStdio:
		mcpClient, err = client.NewStdioMCPClient(server.Command, envList(server.Env), server.Args...)
	case v1.MCPTransportSSE:
		mcpClient, err = client.NewSSEMCPClient(server.URL, transport.WithHeaders(server.Headers))
	default:
		mcpClient, err = client.NewStreamableHttpClient(server.URL,
			transport.WithHTTPHeaders(server.Headers))
	}
	if err != nil {
		return nil, err
	}

	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return nil, err
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agor", Version: "1.0"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return nil, err
	}

	e.clients[server.ID] = mcpClient
	return mcpClient, nil
}

func serverLabel(server v1.MCPServer) string {
	if server.Name != "" {
		return server.Name
	}
	return server.ID
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for key, value := range env {
		list = append(list, key+"="+value)
	}
	return list
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{"type": schema.Type}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}

// parseCallResult flattens an MCP tool result into the map shape the
// Gemini function-response turn expects.
func parseCallResult(resp *mcp.CallToolResult) map[string]any {
	result := make(map[string]any)
	var texts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	if resp.IsError {
		if len(texts) > 0 {
			result["error"] = texts[0]
		} else {
			result["error"] = "tool failed"
		}
		return result
	}
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result
}

package mcpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// SessionAPI is the slice of the session service the loopback tools need.
type SessionAPI interface {
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	CreateMessage(ctx context.Context, req v1.CreateMessageRequest) (*v1.Message, error)
	FindMessages(ctx context.Context, filter v1.FindMessagesRequest) ([]*v1.Message, error)
}

const defaultMessageLimit = 50

func registerTools(s *server.MCPServer, api SessionAPI, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("agor_session_info",
			mcp.WithDescription("Get the current state of an Agor session: status, model, permission mode, worktree, and genealogy."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID from your session context"),
			),
		),
		sessionInfoHandler(api, log),
	)

	s.AddTool(
		mcp.NewTool("agor_post_status",
			mcp.WithDescription("Post a short status update to the session transcript. Users watching the session see it in real time. Use for progress notes on long-running work."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID from your session context"),
			),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("The status text to post (one or two sentences)"),
			),
			mcp.WithString("task_id",
				mcp.Description("The active task ID, if known (optional)"),
			),
		),
		postStatusHandler(api, log),
	)

	s.AddTool(
		mcp.NewTool("agor_list_messages",
			mcp.WithDescription("List recent messages in an Agor session in index order. Useful for recovering context about earlier turns."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID from your session context"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of messages to return (default 50)"),
			),
			mcp.WithNumber("after_index",
				mcp.Description("Only return messages with index greater than this (optional)"),
			),
		),
		listMessagesHandler(api, log),
	)

	log.Info("registered loopback MCP tools", zap.Int("count", 3))
}

// authorizeSession resolves the session and checks the request's bearer
// token against its MCP token. Tool errors never include the token value.
func authorizeSession(ctx context.Context, api SessionAPI, sessionID string) (*v1.Session, error) {
	session, err := api.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	token := bearerFromContext(ctx)
	if subtle.ConstantTimeCompare([]byte(token), []byte(session.MCPToken)) != 1 {
		return nil, fmt.Errorf("token not valid for session %s", sessionID)
	}
	return session, nil
}

func sessionInfoHandler(api SessionAPI, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		session, err := authorizeSession(ctx, api, sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		// The caller already holds the token; no reason to echo it back.
		sanitized := *session
		sanitized.MCPToken = ""

		formatted, err := json.MarshalIndent(sanitized, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode session: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func postStatusHandler(api SessionAPI, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if _, err := authorizeSession(ctx, api, sessionID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		create := v1.CreateMessageRequest{
			SessionID: sessionID,
			Role:      v1.MessageRoleSystem,
			Content: []v1.ContentBlock{{
				Type:       v1.BlockTypeSystemStatus,
				SystemType: "agent_status",
				Text:       status,
			}},
		}
		if taskID := req.GetString("task_id", ""); taskID != "" {
			create.TaskID = &taskID
		}

		message, err := api.CreateMessage(ctx, create)
		if err != nil {
			log.Error("posting status message", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to post status: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Status posted as message %s (index %d).", message.ID, message.Index)), nil
	}
}

func listMessagesHandler(api SessionAPI, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if _, err := authorizeSession(ctx, api, sessionID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		filter := v1.FindMessagesRequest{
			SessionID: sessionID,
			Limit:     int(req.GetFloat("limit", defaultMessageLimit)),
		}
		if after := req.GetFloat("after_index", -1); after >= 0 {
			index := int64(after)
			filter.AfterIndex = &index
		}

		messages, err := api.FindMessages(ctx, filter)
		if err != nil {
			log.Error("listing session messages", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list messages: %v", err)), nil
		}

		// Compact view: agents want roles and previews, not full blocks.
		type messageSummary struct {
			Index     int64          `json:"index"`
			Role      v1.MessageRole `json:"role"`
			Preview   string         `json:"preview"`
			ToolUses  []string       `json:"tool_uses,omitempty"`
			Timestamp string         `json:"timestamp"`
		}
		summaries := make([]messageSummary, 0, len(messages))
		for _, msg := range messages {
			summaries = append(summaries, messageSummary{
				Index:     msg.Index,
				Role:      msg.Role,
				Preview:   msg.ContentPreview,
				ToolUses:  msg.ToolUses,
				Timestamp: msg.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
			})
		}

		formatted, err := json.MarshalIndent(summaries, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode messages: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

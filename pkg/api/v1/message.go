package v1

import "time"

// MessageRole identifies who produced a message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// Content block types.
const (
	BlockTypeText         = "text"
	BlockTypeToolUse      = "tool_use"
	BlockTypeToolResult   = "tool_result"
	BlockTypeThinking     = "thinking"
	BlockTypeSystemStatus = "system_status"
)

// ContentBlock is one element of a message body. Type selects which fields
// are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// tool_use
	ToolName  string                 `json:"tool_name,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`

	// tool_result
	ToolResult interface{} `json:"tool_result,omitempty"`
	IsError    bool        `json:"is_error,omitempty"`

	// system_status (e.g. compaction markers)
	SystemType string `json:"system_type,omitempty"`
	Status     string `json:"status,omitempty"`
}

// MessageTokens is the per-message token annotation.
type MessageTokens struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// MessageMetadata carries model and token annotations for a message.
type MessageMetadata struct {
	Model  string         `json:"model,omitempty"`
	Tokens *MessageTokens `json:"tokens,omitempty"`
}

// Message is an ordered event in a session. Index is monotonic within the
// session and gap-free.
type Message struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	TaskID          *string          `json:"task_id,omitempty"`
	Index           int64            `json:"index"`
	Role            MessageRole      `json:"role"`
	Content         []ContentBlock   `json:"content"`
	ContentPreview  string           `json:"content_preview"`
	ToolUses        []string         `json:"tool_uses,omitempty"`
	ParentToolUseID *string          `json:"parent_tool_use_id,omitempty"`
	Metadata        *MessageMetadata `json:"metadata,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// CreateMessageRequest appends a message to a session. Index is allocated
// by the service; callers never supply it.
type CreateMessageRequest struct {
	SessionID       string           `json:"session_id" binding:"required"`
	TaskID          *string          `json:"task_id,omitempty"`
	Role            MessageRole      `json:"role" binding:"required"`
	Content         []ContentBlock   `json:"content" binding:"required"`
	ToolUses        []string         `json:"tool_uses,omitempty"`
	ParentToolUseID *string          `json:"parent_tool_use_id,omitempty"`
	Metadata        *MessageMetadata `json:"metadata,omitempty"`
}

// FindMessagesRequest pages messages for a session in index order.
type FindMessagesRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	AfterIndex *int64 `json:"after_index,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

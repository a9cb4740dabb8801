// Package opencode speaks the OpenCode server protocol: a REST API for
// session and prompt control plus a Server-Sent Events stream for
// message, tool, and permission updates.
package opencode

import "encoding/json"

// Event types on the /event SSE stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventMessageRemoved     = "message.removed"
	EventMessagePartRemoved = "message.part.removed"
	EventPermissionAsked    = "permission.asked"
	EventPermissionReplied  = "permission.replied"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventSessionDiff        = "session.diff"
	EventSessionCompacted   = "session.compacted"
	EventSessionError       = "session.error"
	EventTodoUpdated        = "todo.updated"
)

// Message part types.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
)

// Tool execution states.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Permission reply values accepted by /permission/{id}/reply.
const (
	PermissionReplyOnce   = "once"
	PermissionReplyAlways = "always"
	PermissionReplyReject = "reject"
)

// HealthResponse from GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse from POST /session and POST /session/{id}/fork.
type SessionResponse struct {
	ID string `json:"id"`
}

// ModelSpec selects the provider and model for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPartInput is one element of a prompt's parts.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	Model   *ModelSpec      `json:"model,omitempty"`
	Agent   string          `json:"agent,omitempty"`
	Parts   []TextPartInput `json:"parts"`
	System  string          `json:"system,omitempty"`
	MCP     map[string]any  `json:"mcp,omitempty"`
}

// PermissionReplyRequest for POST /permission/{id}/reply.
type PermissionReplyRequest struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// Event is one SSE payload; Properties decodes per Type.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// MessageUpdatedProperties for message.updated.
type MessageUpdatedProperties struct {
	Info MessageInfo `json:"info"`
}

// MessageInfo is message metadata, including the per-message token
// counts the usage accounting consumes.
type MessageInfo struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionID"`
	Role       string        `json:"role"` // user, assistant
	ProviderID string        `json:"providerID,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *TokensInfo   `json:"tokens,omitempty"`
	Time       *MessageTimes `json:"time,omitempty"`
}

// MessageTimes carries creation/completion timestamps in epoch millis.
type MessageTimes struct {
	Created   int64 `json:"created,omitempty"`
	Completed int64 `json:"completed,omitempty"`
}

// TokensInfo is the per-message usage block.
type TokensInfo struct {
	Input     int64            `json:"input"`
	Output    int64            `json:"output"`
	Reasoning int64            `json:"reasoning,omitempty"`
	Cache     *TokensCacheInfo `json:"cache,omitempty"`
}

// TokensCacheInfo splits cache traffic.
type TokensCacheInfo struct {
	Read  int64 `json:"read"`
	Write int64 `json:"write,omitempty"`
}

// MessagePartUpdatedProperties for message.part.updated.
type MessagePartUpdatedProperties struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// Part is a message fragment. Type selects which fields are set.
type Part struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"` // text, reasoning, tool
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Text      string     `json:"text,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// ToolState is a tool part's execution state.
type ToolState struct {
	Status   string          `json:"status"` // pending, running, completed, error
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PermissionAskedProperties for permission.asked.
type PermissionAskedProperties struct {
	ID         string              `json:"id"`
	SessionID  string              `json:"sessionID"`
	Permission string              `json:"permission"`
	Patterns   []string            `json:"patterns,omitempty"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	Tool       *PermissionToolInfo `json:"tool,omitempty"`
}

// PermissionToolInfo links a permission ask to its tool call.
type PermissionToolInfo struct {
	CallID string `json:"callID"`
	Name   string `json:"name,omitempty"`
}

// SessionIdleProperties for session.idle.
type SessionIdleProperties struct {
	SessionID string `json:"sessionID"`
}

// SessionCompactedProperties for session.compacted.
type SessionCompactedProperties struct {
	SessionID string `json:"sessionID"`
}

// SessionErrorProperties for session.error.
type SessionErrorProperties struct {
	SessionID string       `json:"sessionID"`
	Error     *ServerError `json:"error,omitempty"`
}

// ServerError is OpenCode's error shape; the message sometimes lives
// under data.
type ServerError struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// MessageText returns the most specific message available.
func (e *ServerError) MessageText() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// Kind returns the error discriminator, preferring Name over Type.
func (e *ServerError) Kind() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Type != "" {
		return e.Type
	}
	return "unknown"
}

// SessionStatusProperties for session.status.
type SessionStatusProperties struct {
	Status SessionStatus `json:"status"`
}

// SessionStatus reports the server-side session loop state.
type SessionStatus struct {
	Type    string `json:"type"` // idle, busy, retry
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
	Next    int64  `json:"next,omitempty"`
}

// TodoUpdatedProperties for todo.updated.
type TodoUpdatedProperties struct {
	Todos []Todo `json:"todos"`
}

// Todo is one entry of the agent's task list.
type Todo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// ProviderListResponse from GET /provider.
type ProviderListResponse struct {
	All []ProviderInfo `json:"all"`
}

// ProviderInfo describes one configured provider.
type ProviderInfo struct {
	ID     string                       `json:"id"`
	Models map[string]ProviderModelInfo `json:"models,omitempty"`
}

// ProviderModelInfo carries per-model limits.
type ProviderModelInfo struct {
	Limit ProviderModelLimit `json:"limit"`
}

// ProviderModelLimit is the model's context budget.
type ProviderModelLimit struct {
	Context int64 `json:"context"`
}

// ParseEvent decodes one SSE payload.
func ParseEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// DecodeProperties decodes an event's properties into out.
func (e *Event) DecodeProperties(out any) error {
	if len(e.Properties) == 0 {
		return nil
	}
	return json.Unmarshal(e.Properties, out)
}

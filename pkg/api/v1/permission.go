package v1

import "time"

// PermissionBehavior is the arbiter's verdict on a tool call.
type PermissionBehavior string

const (
	PermissionAllow PermissionBehavior = "allow"
	PermissionDeny  PermissionBehavior = "deny"
)

// PermissionScope controls how far an "allow and remember" decision reaches.
type PermissionScope string

const (
	// PermissionScopeOnce allows this single invocation without persisting.
	PermissionScopeOnce PermissionScope = "once"
	// PermissionScopeSession adds the tool to the session's allowed set.
	PermissionScopeSession PermissionScope = "session"
	// PermissionScopeProject merges the tool into the worktree's settings file.
	PermissionScopeProject PermissionScope = "project"
)

// Valid reports whether the scope is known.
func (s PermissionScope) Valid() bool {
	switch s {
	case PermissionScopeOnce, PermissionScopeSession, PermissionScopeProject:
		return true
	}
	return false
}

// PermissionRequest is the transient record of a pending tool gate.
type PermissionRequest struct {
	RequestID   string                 `json:"request_id"`
	TaskID      string                 `json:"task_id"`
	SessionID   string                 `json:"session_id"`
	ToolName    string                 `json:"tool_name"`
	ToolInput   map[string]interface{} `json:"tool_input,omitempty"`
	ToolUseID   string                 `json:"tool_use_id,omitempty"`
	RequestedAt time.Time              `json:"requested_at"`
	DecidedBy   *string                `json:"decided_by,omitempty"`
	DecidedAt   *time.Time             `json:"decided_at,omitempty"`
}

// PermissionDecision is a user's reply to a permission request.
type PermissionDecision struct {
	RequestID string             `json:"request_id" binding:"required"`
	Behavior  PermissionBehavior `json:"behavior" binding:"required"`
	Scope     PermissionScope    `json:"scope,omitempty"` // defaults to once
	DecidedBy string             `json:"decided_by" binding:"required"`
	Reason    string             `json:"reason,omitempty"`
}

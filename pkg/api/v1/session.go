package v1

import "time"

// AgenticTool identifies the coding agent driving a session.
type AgenticTool string

const (
	ToolClaudeCode AgenticTool = "claude-code"
	ToolGemini     AgenticTool = "gemini"
	ToolCodex      AgenticTool = "codex"
	ToolOpenCode   AgenticTool = "opencode"
)

// Valid reports whether the tool name is one of the supported agents.
func (t AgenticTool) Valid() bool {
	switch t {
	case ToolClaudeCode, ToolGemini, ToolCodex, ToolOpenCode:
		return true
	}
	return false
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusIdle      SessionStatus = "idle"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusStopping  SessionStatus = "stopping"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// ThinkingMode controls extended-thinking budget resolution.
type ThinkingMode string

const (
	ThinkingModeAuto   ThinkingMode = "auto"
	ThinkingModeManual ThinkingMode = "manual"
	ThinkingModeOff    ThinkingMode = "off"
)

// ModelConfig holds the per-session model selection and thinking policy.
type ModelConfig struct {
	Model                string       `json:"model,omitempty"`
	ThinkingMode         ThinkingMode `json:"thinking_mode,omitempty"`
	ManualThinkingTokens int          `json:"manual_thinking_tokens,omitempty"`
}

// PermissionMode is the tool-gating policy for a session. Values map to the
// vendor's own modes plus the "default" ask policy.
type PermissionMode string

const (
	PermissionModeDefault     PermissionMode = "default"
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	PermissionModePlan        PermissionMode = "plan"
	PermissionModeBypass      PermissionMode = "bypassPermissions"
)

// Valid reports whether the mode is a known policy.
func (m PermissionMode) Valid() bool {
	switch m {
	case PermissionModeDefault, PermissionModeAcceptEdits, PermissionModePlan, PermissionModeBypass:
		return true
	}
	return false
}

// PermissionConfig holds the gating mode and the remembered allow-list.
// AllowedTools is a set; insertion is idempotent.
type PermissionConfig struct {
	Mode         PermissionMode `json:"mode"`
	AllowedTools []string       `json:"allowed_tools,omitempty"`
}

// Genealogy records how a session relates to the session that created it.
// Fork means resume-from-parent-with-new-id; spawn means fresh context.
type Genealogy struct {
	ParentSessionID     *string `json:"parent_session_id,omitempty"`
	ForkedFromSessionID *string `json:"forked_from_session_id,omitempty"`
}

// Session is the conversational unit binding an agentic tool to a worktree.
type Session struct {
	ID               string           `json:"id"`
	WorktreeID       *string          `json:"worktree_id,omitempty"`
	AgenticTool      AgenticTool      `json:"agentic_tool"`
	Status           SessionStatus    `json:"status"`
	ModelConfig      ModelConfig      `json:"model_config"`
	PermissionConfig PermissionConfig `json:"permission_config"`
	SdkSessionID     *string          `json:"sdk_session_id,omitempty"`
	MCPToken         string           `json:"mcp_token,omitempty"`
	Genealogy        Genealogy        `json:"genealogy"`
	Archived         bool             `json:"archived"`
	CreatedBy        string           `json:"created_by"`
	CreatedAt        time.Time        `json:"created_at"`
	LastUpdated      time.Time        `json:"last_updated"`
	ReadyForPrompt   bool             `json:"ready_for_prompt"`
}

// CreateSessionRequest for creating a new session.
type CreateSessionRequest struct {
	WorktreeID       *string           `json:"worktree_id,omitempty"`
	AgenticTool      AgenticTool       `json:"agentic_tool" binding:"required"`
	ModelConfig      *ModelConfig      `json:"model_config,omitempty"`
	PermissionConfig *PermissionConfig `json:"permission_config,omitempty"`
	CreatedBy        string            `json:"created_by" binding:"required"`
}

// UpdateSessionRequest patches an existing session. Nil fields are untouched.
type UpdateSessionRequest struct {
	WorktreeID       *string           `json:"worktree_id,omitempty"`
	Status           *SessionStatus    `json:"status,omitempty"`
	ModelConfig      *ModelConfig      `json:"model_config,omitempty"`
	PermissionConfig *PermissionConfig `json:"permission_config,omitempty"`
	SdkSessionID     *string           `json:"sdk_session_id,omitempty"`
	ClearSdkSession  bool              `json:"clear_sdk_session,omitempty"`
	Archived         *bool             `json:"archived,omitempty"`
}

// FindSessionsRequest filters session listings.
type FindSessionsRequest struct {
	WorktreeID  *string        `json:"worktree_id,omitempty"`
	Status      *SessionStatus `json:"status,omitempty"`
	AgenticTool *AgenticTool   `json:"agentic_tool,omitempty"`
	Archived    *bool          `json:"archived,omitempty"`
	CreatedBy   *string        `json:"created_by,omitempty"`
}

// ForkSessionRequest creates a child session that resumes the parent's
// vendor conversation under a new vendor id.
type ForkSessionRequest struct {
	CreatedBy string       `json:"created_by" binding:"required"`
	Model     *ModelConfig `json:"model_config,omitempty"`
}

// SpawnSessionRequest creates a child session with fresh context.
type SpawnSessionRequest struct {
	CreatedBy string       `json:"created_by" binding:"required"`
	Model     *ModelConfig `json:"model_config,omitempty"`
}

// PromptRequest submits a prompt to a session, creating a task.
type PromptRequest struct {
	Prompt         string          `json:"prompt" binding:"required"`
	PermissionMode *PermissionMode `json:"permission_mode,omitempty"`
	Model          *string         `json:"model,omitempty"`
	CreatedBy      string          `json:"created_by" binding:"required"`
}

// PromptResponse returns the task created for a submitted prompt.
type PromptResponse struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Queued    bool   `json:"queued"` // true when another task is active and the prompt waits
}

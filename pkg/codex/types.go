// Package codex speaks the Codex app-server protocol: JSON-RPC shaped
// newline-delimited JSON over stdin/stdout, without the "jsonrpc" field.
// Threads are conversations; turns are prompts within a thread.
package codex

import "encoding/json"

// Request is a client-initiated call.
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a request, in either direction.
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification carries no id and expects no reply.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Client → server methods.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Server → client notifications.
const (
	NotifyThreadStarted             = "thread/started"
	NotifyTurnStarted               = "turn/started"
	NotifyTurnCompleted             = "turn/completed"
	NotifyTurnDiffUpdated           = "turn/diff/updated"
	NotifyTurnPlanUpdated           = "turn/plan/updated"
	NotifyItemStarted               = "item/started"
	NotifyItemCompleted             = "item/completed"
	NotifyItemAgentMessageDelta     = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningTextDelta    = "item/reasoning/textDelta"
	NotifyItemCmdExecOutputDelta    = "item/commandExecution/outputDelta"
	NotifyCmdExecRequestApproval    = "item/commandExecution/requestApproval"
	NotifyFileChangeRequestApproval = "item/fileChange/requestApproval"
	NotifyError                     = "error"
	NotifyTokenCount                = "token_count"
	NotifyContextCompacted          = "context_compacted"
	NotifyThreadTokenUsageUpdated   = "thread/tokenUsage/updated"
)

// InitializeParams for initialize.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// ThreadStartParams opens a fresh thread. ApprovalPolicy "on-request"
// routes tool approvals back to us; "never" maps to bypass mode.
type ThreadStartParams struct {
	Model          string                 `json:"model,omitempty"`
	Cwd            string                 `json:"cwd,omitempty"`
	ApprovalPolicy string                 `json:"approvalPolicy,omitempty"` // untrusted, on-failure, on-request, never
	SandboxPolicy  *SandboxPolicy         `json:"sandboxPolicy,omitempty"`
	MCPServers     map[string]interface{} `json:"mcpServers,omitempty"`
}

// SandboxPolicy constrains what turns may touch. Type values are
// kebab-case: read-only, workspace-write, danger-full-access.
type SandboxPolicy struct {
	Type          string   `json:"type"`
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess,omitempty"`
}

// Thread is a Codex conversation.
type Thread struct {
	ID            string `json:"id"`
	Preview       string `json:"preview,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
}

// ThreadStartResult from thread/start.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams reopens a persisted thread.
type ThreadResumeParams struct {
	ThreadID       string                 `json:"threadId"`
	Cwd            string                 `json:"cwd,omitempty"`
	ApprovalPolicy string                 `json:"approvalPolicy,omitempty"`
	SandboxPolicy  *SandboxPolicy         `json:"sandboxPolicy,omitempty"`
	MCPServers     map[string]interface{} `json:"mcpServers,omitempty"`
}

// ThreadResumeResult from thread/resume.
type ThreadResumeResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput is one element of a turn's input.
type UserInput struct {
	Type string `json:"type"` // text, image, localImage
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnStartParams submits a prompt to a thread.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// Turn is one prompt/response cycle.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // inProgress, completed, failed
	Items  []Item `json:"items"`
	Error  *Error `json:"error,omitempty"`
}

// TurnStartResult from turn/start.
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// TurnInterruptParams aborts the in-flight turn.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
}

// Item is a unit of turn output. Type selects which fields are set.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`   // userMessage, agentMessage, commandExecution, fileChange, reasoning, mcpToolCall
	Status string `json:"status"` // inProgress, completed, failed

	// agentMessage
	Text string `json:"text,omitempty"`

	// commandExecution
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
	DurationMs       *int   `json:"durationMs,omitempty"`

	// fileChange
	Changes []FileChange `json:"changes,omitempty"`

	// reasoning; Codex sends these as a string or an array of parts
	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	// mcpToolCall
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`
}

// ContentPart is one element of a reasoning summary or body.
type ContentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// FlexibleContent accepts both the string and []ContentPart encodings
// Codex uses for reasoning content.
type FlexibleContent []ContentPart

// UnmarshalJSON tries the array form first, then wraps a bare string.
// Unrecognized shapes decode to nil rather than failing the whole item.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*fc = parts
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*fc = []ContentPart{{Type: "text", Text: s}}
		return nil
	}
	*fc = nil
	return nil
}

// Text flattens the parts into one string.
func (fc FlexibleContent) Text() string {
	var out string
	for _, part := range fc {
		out += part.Text
	}
	return out
}

// FileChange is one entry of a fileChange item.
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// FileChangeKind discriminates add, modify, delete.
type FileChangeKind struct {
	Type string `json:"type"`
}

// ItemStartedParams for item/started.
type ItemStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// ItemCompletedParams for item/completed.
type ItemCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// DeltaParams is the shared shape of the streaming delta notifications
// (agent message, reasoning, command output).
type DeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// CommandApprovalParams for item/commandExecution/requestApproval.
type CommandApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Command   string   `json:"command"`
	Cwd       string   `json:"cwd,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// FileChangeApprovalParams for item/fileChange/requestApproval.
type FileChangeApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Path      string   `json:"path"`
	Diff      string   `json:"diff,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// Approval decisions accepted by the app-server.
const (
	DecisionAccept           = "accept"
	DecisionAcceptForSession = "acceptForSession"
	DecisionDecline          = "decline"
	DecisionCancel           = "cancel"
)

// ApprovalResponse answers an approval request.
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

// TurnCompletedParams for turn/completed.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// TurnDiffUpdatedParams for turn/diff/updated.
type TurnDiffUpdatedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Diff     string `json:"diff"`
}

// TurnPlanUpdatedParams for turn/plan/updated.
type TurnPlanUpdatedParams struct {
	ThreadID string      `json:"threadId"`
	TurnID   string      `json:"turnId"`
	Plan     []PlanEntry `json:"plan"`
}

// PlanEntry is one step of the agent's published plan.
type PlanEntry struct {
	Description string `json:"description"`
	Status      string `json:"status"` // pending, in_progress, completed, failed
}

// ErrorParams for the error notification.
type ErrorParams struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// TokenCountParams for token_count, emitted after each turn. Totals are
// cumulative for the thread, so per-task deltas come from subtracting
// the previous turn's snapshot.
type TokenCountParams struct {
	Info       *TokenUsageInfo    `json:"info,omitempty"`
	RateLimits *RateLimitSnapshot `json:"rateLimits,omitempty"`
}

// TokenUsageInfo carries the cumulative and last-request usage.
type TokenUsageInfo struct {
	TotalTokenUsage    *TokenUsage `json:"totalTokenUsage,omitempty"`
	LastTokenUsage     *TokenUsage `json:"lastTokenUsage,omitempty"`
	ModelContextWindow *int64      `json:"modelContextWindow,omitempty"`
}

// TokenUsage is one usage snapshot.
type TokenUsage struct {
	InputTokens           int64 `json:"inputTokens"`
	CachedInputTokens     int64 `json:"cachedInputTokens"`
	OutputTokens          int64 `json:"outputTokens"`
	ReasoningOutputTokens int64 `json:"reasoningOutputTokens"`
	TotalTokens           int64 `json:"totalTokens"`
}

// RateLimitSnapshot reports plan-level rate limit state.
type RateLimitSnapshot struct {
	Primary   *RateLimitWindow `json:"primary,omitempty"`
	Secondary *RateLimitWindow `json:"secondary,omitempty"`
	PlanType  *string          `json:"planType,omitempty"`
}

// RateLimitWindow is one rolling rate limit window.
type RateLimitWindow struct {
	UsedPercent        int32  `json:"usedPercent"`
	WindowDurationMins *int64 `json:"windowDurationMins,omitempty"`
	ResetsAt           *int64 `json:"resetsAt,omitempty"`
}

// ContextCompactedParams for context_compacted. The thread's cumulative
// token counters reset after this.
type ContextCompactedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// Package claudecode speaks the Claude Code CLI stream-json protocol:
// newline-delimited JSON over stdin/stdout, with control requests flowing
// both ways for permissions, initialization, and interrupts.
package claudecode

import "encoding/json"

// Message types on the wire.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeStreamEvent     = "stream_event"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeInitialize        = "initialize"
	SubtypeInterrupt         = "interrupt"
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeHookCallback      = "hook_callback"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors in control responses.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// System message subtypes.
const (
	SystemSubtypeInit       = "init"
	SystemSubtypeCompaction = "compact_boundary"
)

// CLIMessage is one NDJSON line from the CLI. Type selects which fields
// are populated.
type CLIMessage struct {
	Type string `json:"type"`

	// control_request (CLI → host)
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// control_response (CLI → host, replying to our requests)
	Response *IncomingControlResponse `json:"response,omitempty"`

	// system
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`
	Model     string `json:"model,omitempty"`

	// assistant / user
	Message         *AssistantMessage `json:"message,omitempty"`
	ParentToolUseID *string           `json:"parent_tool_use_id,omitempty"`

	// stream_event
	Event *StreamEvent `json:"event,omitempty"`

	// result; Result is a string for errors, an object otherwise
	Result        json.RawMessage            `json:"result,omitempty"`
	IsError       bool                       `json:"is_error,omitempty"`
	NumTurns      int                        `json:"num_turns,omitempty"`
	DurationMS    int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS int64                      `json:"duration_api_ms,omitempty"`
	TotalCostUSD  float64                    `json:"total_cost_usd,omitempty"`
	Usage         *Usage                     `json:"usage,omitempty"`
	ModelUsage    map[string]ModelUsageStats `json:"modelUsage,omitempty"`

	// Raw line, kept for the task's raw_sdk_response.
	RawContent json.RawMessage `json:"-"`
}

// Raw decodes the original line into a generic map for persistence.
func (m *CLIMessage) Raw() map[string]interface{} {
	if len(m.RawContent) == 0 {
		return nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(m.RawContent, &raw); err != nil {
		return nil
	}
	return raw
}

// ResultText returns the result payload when it is a plain string.
func (m *CLIMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// AssistantMessage is the body of an assistant or user message.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one element of a message body.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage is a message- or turn-level token count.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats is the per-model entry in the result's modelUsage map.
type ModelUsageStats struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens,omitempty"`
	CostUSD                  float64 `json:"costUSD,omitempty"`
	ContextWindow            *int64  `json:"contextWindow,omitempty"`
}

// ControlRequest is a CLI-initiated control request, e.g. a permission ask.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// hook_callback
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`
}

// ControlResponseMessage replies to a CLI control request.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // control_response
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a reply to a CLI control request.
type ControlResponse struct {
	Subtype string            `json:"subtype"` // success, error
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult answers a can_use_tool request.
type PermissionResult struct {
	Behavior     string `json:"behavior"` // allow, deny
	UpdatedInput any    `json:"updatedInput,omitempty"`
	Message      string `json:"message,omitempty"`
	Interrupt    *bool  `json:"interrupt,omitempty"`
}

// SDKControlRequest is a host-initiated control request (initialize,
// interrupt, set_permission_mode).
type SDKControlRequest struct {
	Type      string                `json:"type"` // control_request
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody is the body of a host control request.
type SDKControlRequestBody struct {
	Subtype string         `json:"subtype"`
	Hooks   map[string]any `json:"hooks,omitempty"`
	Mode    string         `json:"mode,omitempty"`
}

// IncomingControlResponse is the CLI's reply to a host control request.
type IncomingControlResponse struct {
	Subtype   string                  `json:"subtype"`
	RequestID string                  `json:"request_id"`
	Error     string                  `json:"error,omitempty"`
	Response  *InitializeResponseData `json:"response,omitempty"`
}

// InitializeResponseData carries the CLI's capabilities.
type InitializeResponseData struct {
	Commands []json.RawMessage `json:"commands,omitempty"`
	Agents   []json.RawMessage `json:"agents,omitempty"`
}

// UserMessage submits a prompt.
type UserMessage struct {
	Type    string          `json:"type"` // user
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the prompt content.
type UserMessageBody struct {
	Role    string `json:"role"` // user
	Content string `json:"content"`
}

// StreamEvent is a partial content update inside a stream_event message.
// The shapes mirror the Anthropic streaming API.
type StreamEvent struct {
	Type  string      `json:"type"`
	Index int         `json:"index,omitempty"`
	Delta *EventDelta `json:"delta,omitempty"`
	Block *EventBlock `json:"content_block,omitempty"`
}

// EventDelta carries text or thinking increments.
type EventDelta struct {
	Type     string `json:"type"` // text_delta, thinking_delta
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// EventBlock describes the block a content_block_start event opens.
type EventBlock struct {
	Type  string         `json:"type"` // text, thinking, tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

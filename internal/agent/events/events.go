// Package events defines the ProcessedEvent stream the prompt drivers emit.
// Each vendor SDK's wire events are decoded into this common shape so the
// executor can forward them to the daemon without knowing which tool runs.
package events

import (
	v1 "github.com/agor/agor/pkg/api/v1"
)

// ProcessedEvent kind constants.
const (
	// KindPartial carries a chunk of streaming assistant text.
	KindPartial = "partial"

	// KindThinkingPartial carries a chunk of private reasoning text.
	KindThinkingPartial = "thinking_partial"

	// KindThinkingComplete marks the end of a reasoning block.
	KindThinkingComplete = "thinking_complete"

	// KindToolStart indicates a tool invocation has begun.
	KindToolStart = "tool_start"

	// KindToolComplete carries the result of a finished tool invocation.
	KindToolComplete = "tool_complete"

	// KindSystemComplete marks a vendor system event, e.g. a finished
	// context compaction.
	KindSystemComplete = "system_complete"

	// KindComplete carries one full message at a role boundary.
	KindComplete = "complete"

	// KindResult carries the vendor's final turn result.
	KindResult = "result"

	// KindStopped signals the turn was aborted; not an error.
	KindStopped = "stopped"
)

// ProcessedEvent is one event in a prompt turn. Kind selects which fields
// are meaningful.
type ProcessedEvent struct {
	Kind string `json:"kind"`

	// partial
	TextChunk      string `json:"text_chunk,omitempty"`
	ResolvedModel  string `json:"resolved_model,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"` // vendor continuation token, when first learned

	// thinking_partial
	ThinkingChunk string `json:"thinking_chunk,omitempty"`

	// tool_start / tool_complete
	ToolName   string                 `json:"tool_name,omitempty"`
	ToolUseID  string                 `json:"tool_use_id,omitempty"`
	ToolInput  map[string]interface{} `json:"tool_input,omitempty"`
	ToolResult interface{}            `json:"tool_result,omitempty"`

	// system_complete
	SystemType     string                 `json:"system_type,omitempty"`
	SystemMetadata map[string]interface{} `json:"system_metadata,omitempty"`

	// complete
	Role            v1.MessageRole    `json:"role,omitempty"`
	Content         []v1.ContentBlock `json:"content,omitempty"`
	ToolUses        []string          `json:"tool_uses,omitempty"`
	ParentToolUseID *string           `json:"parent_tool_use_id,omitempty"`

	// complete / result accounting
	TokenUsage *v1.MessageTokens      `json:"token_usage,omitempty"`
	ModelUsage map[string]interface{} `json:"model_usage,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`

	// result
	RawSdkMessage map[string]interface{} `json:"raw_sdk_message,omitempty"`
}

// Partial builds a streaming text chunk event.
func Partial(chunk string) ProcessedEvent {
	return ProcessedEvent{Kind: KindPartial, TextChunk: chunk}
}

// ThinkingPartial builds a streaming reasoning chunk event.
func ThinkingPartial(chunk string) ProcessedEvent {
	return ProcessedEvent{Kind: KindThinkingPartial, ThinkingChunk: chunk}
}

// ThinkingComplete marks the end of a reasoning block.
func ThinkingComplete() ProcessedEvent {
	return ProcessedEvent{Kind: KindThinkingComplete}
}

// ToolStart builds a tool invocation start event.
func ToolStart(name, toolUseID string, input map[string]interface{}) ProcessedEvent {
	return ProcessedEvent{Kind: KindToolStart, ToolName: name, ToolUseID: toolUseID, ToolInput: input}
}

// ToolComplete builds a tool completion event.
func ToolComplete(toolUseID string, result interface{}) ProcessedEvent {
	return ProcessedEvent{Kind: KindToolComplete, ToolUseID: toolUseID, ToolResult: result}
}

// SystemComplete builds a vendor system event, e.g. compaction finished.
func SystemComplete(systemType string, metadata map[string]interface{}) ProcessedEvent {
	return ProcessedEvent{Kind: KindSystemComplete, SystemType: systemType, SystemMetadata: metadata}
}

// Stopped signals the turn was aborted.
func Stopped() ProcessedEvent {
	return ProcessedEvent{Kind: KindStopped}
}

// IsTerminal reports whether the event ends the turn's stream.
func (e ProcessedEvent) IsTerminal() bool {
	return e.Kind == KindResult || e.Kind == KindStopped
}

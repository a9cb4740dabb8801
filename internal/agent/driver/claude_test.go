package driver

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentevents "github.com/agor/agor/internal/agent/events"
	v1 "github.com/agor/agor/pkg/api/v1"
	"github.com/agor/agor/pkg/claudecode"
)

func TestDecodeClaudeSystem(t *testing.T) {
	t.Run("init carries the vendor session id and model", func(t *testing.T) {
		events := decodeClaudeMessage(&claudecode.CLIMessage{
			Type:      claudecode.MessageTypeSystem,
			Subtype:   claudecode.SystemSubtypeInit,
			SessionID: "vendor-123",
			Model:     "claude-sonnet",
		}, newTestLogger(t))

		require.Len(t, events, 1)
		assert.Equal(t, agentevents.KindSystemComplete, events[0].Kind)
		assert.Equal(t, "init", events[0].SystemType)
		assert.Equal(t, "vendor-123", events[0].AgentSessionID)
		assert.Equal(t, "claude-sonnet", events[0].ResolvedModel)
	})

	t.Run("compact boundary becomes a compaction marker", func(t *testing.T) {
		events := decodeClaudeMessage(&claudecode.CLIMessage{
			Type:    claudecode.MessageTypeSystem,
			Subtype: claudecode.SystemSubtypeCompaction,
		}, newTestLogger(t))

		require.Len(t, events, 1)
		assert.Equal(t, "compaction", events[0].SystemType)
	})
}

func TestDecodeClaudeStreamEvent(t *testing.T) {
	log := newTestLogger(t)

	t.Run("text delta", func(t *testing.T) {
		events := decodeClaudeMessage(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeStreamEvent,
			Event: &claudecode.StreamEvent{
				Type:  "content_block_delta",
				Delta: &claudecode.EventDelta{Type: "text_delta", Text: "hello"},
			},
		}, log)
		require.Len(t, events, 1)
		assert.Equal(t, agentevents.KindPartial, events[0].Kind)
		assert.Equal(t, "hello", events[0].TextChunk)
	})

	t.Run("thinking delta", func(t *testing.T) {
		events := decodeClaudeMessage(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeStreamEvent,
			Event: &claudecode.StreamEvent{
				Type:  "content_block_delta",
				Delta: &claudecode.EventDelta{Type: "thinking_delta", Thinking: "hmm"},
			},
		}, log)
		require.Len(t, events, 1)
		assert.Equal(t, agentevents.KindThinkingPartial, events[0].Kind)
		assert.Equal(t, "hmm", events[0].ThinkingChunk)
	})

	t.Run("tool_use block start", func(t *testing.T) {
		events := decodeClaudeMessage(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeStreamEvent,
			Event: &claudecode.StreamEvent{
				Type: "content_block_start",
				Block: &claudecode.EventBlock{
					Type: "tool_use", ID: "toolu_1", Name: "Bash",
					Input: map[string]any{"command": "ls"},
				},
			},
		}, log)
		require.Len(t, events, 1)
		assert.Equal(t, agentevents.KindToolStart, events[0].Kind)
		assert.Equal(t, "Bash", events[0].ToolName)
		assert.Equal(t, "toolu_1", events[0].ToolUseID)
	})
}

func TestDecodeClaudeComplete(t *testing.T) {
	t.Run("assistant message with thinking and tool use", func(t *testing.T) {
		events := decodeClaudeMessage(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeAssistant,
			Message: &claudecode.AssistantMessage{
				Role:  "assistant",
				Model: "claude-sonnet",
				Content: []claudecode.ContentBlock{
					{Type: "thinking", Thinking: "plan it"},
					{Type: "text", Text: "done"},
					{Type: "tool_use", ID: "toolu_1", Name: "Bash", Input: map[string]any{"command": "ls"}},
				},
				Usage: &claudecode.Usage{InputTokens: 100, OutputTokens: 40},
			},
		}, newTestLogger(t))

		require.Len(t, events, 2)
		assert.Equal(t, agentevents.KindThinkingComplete, events[0].Kind)

		complete := events[1]
		assert.Equal(t, agentevents.KindComplete, complete.Kind)
		assert.Equal(t, v1.MessageRoleAssistant, complete.Role)
		require.Len(t, complete.Content, 3)
		assert.Equal(t, v1.BlockTypeThinking, complete.Content[0].Type)
		assert.Equal(t, v1.BlockTypeText, complete.Content[1].Type)
		assert.Equal(t, v1.BlockTypeToolUse, complete.Content[2].Type)
		assert.Equal(t, []string{"toolu_1"}, complete.ToolUses)
		require.NotNil(t, complete.TokenUsage)
		assert.Equal(t, int64(100), complete.TokenUsage.Input)
		assert.Equal(t, int64(40), complete.TokenUsage.Output)
	})

	t.Run("user message carries tool results", func(t *testing.T) {
		events := decodeClaudeMessage(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeUser,
			Message: &claudecode.AssistantMessage{
				Role: "user",
				Content: []claudecode.ContentBlock{
					{Type: "tool_result", ToolUseID: "toolu_1", Content: json.RawMessage(`"file.go"`)},
				},
			},
		}, newTestLogger(t))

		require.Len(t, events, 2)
		assert.Equal(t, agentevents.KindToolComplete, events[0].Kind)
		assert.Equal(t, "toolu_1", events[0].ToolUseID)
		assert.Equal(t, v1.MessageRoleUser, events[1].Role)
	})
}

func TestClaudeRunTeardown(t *testing.T) {
	newRun := func(t *testing.T) (*ClaudeDriver, *claudeRun) {
		t.Helper()
		d := NewClaudeDriver(newTestLogger(t))
		run := &claudeRun{
			client: claudecode.NewClient(io.Discard, strings.NewReader(""), newTestLogger(t)),
			cancel: func() {},
			events: make(chan agentevents.ProcessedEvent, 8),
		}
		d.sessions["sess-1"] = run
		return d, run
	}

	resultMsg := &claudecode.CLIMessage{
		Type:       claudecode.MessageTypeResult,
		RawContent: []byte(`{"type":"result","subtype":"success"}`),
	}

	t.Run("stopped turn ends with the stopped marker, not the result", func(t *testing.T) {
		d, run := newRun(t)
		run.mu.Lock()
		run.stopped = true
		run.mu.Unlock()

		d.onClaudeMessage(run, "sess-1", resultMsg)

		event, ok := <-run.events
		require.True(t, ok)
		assert.Equal(t, agentevents.KindStopped, event.Kind)
		_, ok = <-run.events
		assert.False(t, ok, "stream must be closed after the stopped marker")
	})

	t.Run("normal result passes through and closes the stream", func(t *testing.T) {
		d, run := newRun(t)

		d.onClaudeMessage(run, "sess-1", resultMsg)

		event, ok := <-run.events
		require.True(t, ok)
		assert.Equal(t, agentevents.KindResult, event.Kind)
		_, ok = <-run.events
		assert.False(t, ok)
	})

	t.Run("process exit without a result still closes the stream", func(t *testing.T) {
		d, run := newRun(t)

		d.finishRun(run, "sess-1")
		d.finishRun(run, "sess-1") // idempotent

		_, ok := <-run.events
		assert.False(t, ok)
		d.mu.Lock()
		_, tracked := d.sessions["sess-1"]
		d.mu.Unlock()
		assert.False(t, tracked, "finished run must be released")
	})

	t.Run("exit during a stop request drains as stopped", func(t *testing.T) {
		d, run := newRun(t)
		run.mu.Lock()
		run.stopped = true
		run.mu.Unlock()

		d.finishRun(run, "sess-1")

		event, ok := <-run.events
		require.True(t, ok)
		assert.Equal(t, agentevents.KindStopped, event.Kind)
		_, ok = <-run.events
		assert.False(t, ok)
	})
}

func TestDecodeClaudeResult(t *testing.T) {
	raw := []byte(`{"type":"result","subtype":"success","duration_ms":1234,"usage":{"input_tokens":500,"output_tokens":80}}`)
	msg := &claudecode.CLIMessage{
		Type:       claudecode.MessageTypeResult,
		DurationMS: 1234,
		Usage:      &claudecode.Usage{InputTokens: 500, OutputTokens: 80},
		RawContent: raw,
	}

	events := decodeClaudeMessage(msg, newTestLogger(t))
	require.Len(t, events, 1)
	assert.Equal(t, agentevents.KindResult, events[0].Kind)
	assert.True(t, events[0].IsTerminal())
	assert.Equal(t, int64(1234), events[0].DurationMs)
	assert.Equal(t, "success", events[0].RawSdkMessage["subtype"])
	require.NotNil(t, events[0].TokenUsage)
	assert.Equal(t, int64(500), events[0].TokenUsage.Input)
}

package driver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentevents "github.com/agor/agor/internal/agent/events"
	v1 "github.com/agor/agor/pkg/api/v1"
	"github.com/agor/agor/pkg/codex"
)

func newCodexTestTranslator(t *testing.T) (*codexTranslator, chan agentevents.ProcessedEvent) {
	t.Helper()
	events := make(chan agentevents.ProcessedEvent, 32)
	translator := newCodexTranslator(events, newTestLogger(t))
	translator.threadID = "th_1"
	return translator, events
}

func TestCodexTranslatorDeltas(t *testing.T) {
	t.Run("agent message delta streams text", func(t *testing.T) {
		translator, events := newCodexTestTranslator(t)
		translator.handleNotification(codex.NotifyItemAgentMessageDelta,
			json.RawMessage(`{"threadId":"th_1","itemId":"item_1","delta":"hello"}`))

		out := collect(events)
		require.Len(t, out, 1)
		assert.Equal(t, agentevents.KindPartial, out[0].Kind)
		assert.Equal(t, "hello", out[0].TextChunk)
	})

	t.Run("reasoning deltas stream thinking", func(t *testing.T) {
		translator, events := newCodexTestTranslator(t)
		translator.handleNotification(codex.NotifyItemReasoningTextDelta,
			json.RawMessage(`{"delta":"step 1"}`))
		translator.handleNotification(codex.NotifyItemReasoningSummaryDelta,
			json.RawMessage(`{"delta":"summary"}`))

		out := collect(events)
		require.Len(t, out, 2)
		assert.Equal(t, agentevents.KindThinkingPartial, out[0].Kind)
		assert.Equal(t, agentevents.KindThinkingPartial, out[1].Kind)
	})

	t.Run("empty deltas are dropped", func(t *testing.T) {
		translator, events := newCodexTestTranslator(t)
		translator.handleNotification(codex.NotifyItemAgentMessageDelta,
			json.RawMessage(`{"delta":""}`))
		assert.Empty(t, collect(events))
	})
}

func TestCodexTranslatorItems(t *testing.T) {
	t.Run("command execution start and completion", func(t *testing.T) {
		translator, events := newCodexTestTranslator(t)
		translator.handleNotification(codex.NotifyItemStarted,
			json.RawMessage(`{"item":{"id":"item_1","type":"commandExecution","command":"go vet ./...","cwd":"/repo"}}`))
		translator.handleNotification(codex.NotifyItemCompleted,
			json.RawMessage(`{"item":{"id":"item_1","type":"commandExecution","aggregatedOutput":"ok","exitCode":0}}`))

		out := collect(events)
		require.Len(t, out, 2)
		assert.Equal(t, agentevents.KindToolStart, out[0].Kind)
		assert.Equal(t, "Bash", out[0].ToolName)
		assert.Equal(t, "go vet ./...", out[0].ToolInput["command"])

		assert.Equal(t, agentevents.KindToolComplete, out[1].Kind)
		result := out[1].ToolResult.(map[string]interface{})
		assert.Equal(t, "ok", result["output"])
		assert.Equal(t, 0, result["exit_code"])
	})

	t.Run("mcp tool call is namespaced", func(t *testing.T) {
		translator, events := newCodexTestTranslator(t)
		translator.handleNotification(codex.NotifyItemStarted,
			json.RawMessage(`{"item":{"id":"item_2","type":"mcpToolCall","server":"github","tool":"create_issue","arguments":{"title":"bug"}}}`))

		out := collect(events)
		require.Len(t, out, 1)
		assert.Equal(t, "mcp__github__create_issue", out[0].ToolName)
		assert.Equal(t, "bug", out[0].ToolInput["title"])
	})

	t.Run("agent message completion becomes a full message", func(t *testing.T) {
		translator, events := newCodexTestTranslator(t)
		translator.handleNotification(codex.NotifyItemCompleted,
			json.RawMessage(`{"item":{"id":"item_3","type":"agentMessage","text":"all done"}}`))

		out := collect(events)
		require.Len(t, out, 1)
		assert.Equal(t, agentevents.KindComplete, out[0].Kind)
		assert.Equal(t, v1.MessageRoleAssistant, out[0].Role)
		require.Len(t, out[0].Content, 1)
		assert.Equal(t, "all done", out[0].Content[0].Text)
	})

	t.Run("reasoning completion flushes thinking", func(t *testing.T) {
		translator, events := newCodexTestTranslator(t)
		translator.handleNotification(codex.NotifyItemCompleted,
			json.RawMessage(`{"item":{"id":"item_4","type":"reasoning","summary":"thought about it"}}`))

		out := collect(events)
		require.Len(t, out, 2)
		assert.Equal(t, agentevents.KindThinkingComplete, out[0].Kind)
		assert.Equal(t, v1.BlockTypeThinking, out[1].Content[0].Type)
		assert.Equal(t, "thought about it", out[1].Content[0].Text)
	})
}

func TestCodexTranslatorResult(t *testing.T) {
	t.Run("result merges the newest token count", func(t *testing.T) {
		translator, events := newCodexTestTranslator(t)
		translator.handleNotification(codex.NotifyTokenCount,
			json.RawMessage(`{"info":{"totalTokenUsage":{"inputTokens":100,"outputTokens":10}}}`))
		translator.handleNotification(codex.NotifyTokenCount,
			json.RawMessage(`{"info":{"totalTokenUsage":{"inputTokens":250,"outputTokens":40},"modelContextWindow":272000}}`))
		_ = collect(events)

		result := translator.result(nil)
		assert.Equal(t, agentevents.KindResult, result.Kind)
		assert.Equal(t, "th_1", result.RawSdkMessage["threadId"])

		info := result.RawSdkMessage["info"].(map[string]interface{})
		total := info["totalTokenUsage"].(map[string]interface{})
		assert.Equal(t, float64(250), total["inputTokens"])
	})

	t.Run("error result keeps the thread id", func(t *testing.T) {
		translator, events := newCodexTestTranslator(t)
		_ = collect(events)

		result := translator.result(map[string]interface{}{"error": "turn failed"})
		assert.Equal(t, "th_1", result.RawSdkMessage["threadId"])
		assert.Equal(t, "turn failed", result.RawSdkMessage["error"])
	})
}

func TestCodexTranslatorCompaction(t *testing.T) {
	translator, events := newCodexTestTranslator(t)
	translator.handleNotification(codex.NotifyContextCompacted, json.RawMessage(`{"threadId":"th_1"}`))

	out := collect(events)
	require.Len(t, out, 1)
	assert.Equal(t, agentevents.KindSystemComplete, out[0].Kind)
	assert.Equal(t, "compaction", out[0].SystemType)
}

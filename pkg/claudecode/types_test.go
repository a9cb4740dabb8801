package claudecode

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIMessageResultParsing(t *testing.T) {
	t.Run("result with per-model usage", func(t *testing.T) {
		line := `{
			"type": "result",
			"subtype": "success",
			"is_error": false,
			"duration_ms": 9120,
			"num_turns": 3,
			"total_cost_usd": 0.42,
			"usage": {"input_tokens": 1050, "output_tokens": 210},
			"modelUsage": {
				"claude-sonnet-4-5": {
					"inputTokens": 1000,
					"outputTokens": 200,
					"cacheReadInputTokens": 5000,
					"contextWindow": 200000
				}
			}
		}`
		var msg CLIMessage
		require.NoError(t, json.Unmarshal([]byte(line), &msg))

		assert.Equal(t, MessageTypeResult, msg.Type)
		assert.False(t, msg.IsError)
		assert.Equal(t, 0.42, msg.TotalCostUSD)
		require.NotNil(t, msg.Usage)
		assert.Equal(t, int64(1050), msg.Usage.InputTokens)
		stats := msg.ModelUsage["claude-sonnet-4-5"]
		assert.Equal(t, int64(1000), stats.InputTokens)
		assert.Equal(t, int64(5000), stats.CacheReadInputTokens)
		require.NotNil(t, stats.ContextWindow)
		assert.Equal(t, int64(200000), *stats.ContextWindow)
	})

	t.Run("error result is a plain string", func(t *testing.T) {
		var msg CLIMessage
		require.NoError(t, json.Unmarshal([]byte(`{"type":"result","is_error":true,"result":"rate limited"}`), &msg))
		assert.True(t, msg.IsError)
		assert.Equal(t, "rate limited", msg.ResultText())
	})

	t.Run("raw round-trips the original line", func(t *testing.T) {
		line := []byte(`{"type":"result","total_cost_usd":0.1,"extra_field":"kept"}`)
		var msg CLIMessage
		require.NoError(t, json.Unmarshal(line, &msg))
		msg.RawContent = line

		raw := msg.Raw()
		require.NotNil(t, raw)
		assert.Equal(t, "kept", raw["extra_field"])
	})
}

func TestAssistantMessageContentBlocks(t *testing.T) {
	line := `{
		"type": "assistant",
		"parent_tool_use_id": "toolu_parent",
		"message": {
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [
				{"type": "thinking", "thinking": "hmm"},
				{"type": "text", "text": "running it"},
				{"type": "tool_use", "id": "toolu_01", "name": "Bash", "input": {"command": "ls"}}
			],
			"usage": {"input_tokens": 12, "output_tokens": 34}
		}
	}`
	var msg CLIMessage
	require.NoError(t, json.Unmarshal([]byte(line), &msg))

	require.NotNil(t, msg.ParentToolUseID)
	assert.Equal(t, "toolu_parent", *msg.ParentToolUseID)
	require.NotNil(t, msg.Message)
	require.Len(t, msg.Message.Content, 3)
	assert.Equal(t, "hmm", msg.Message.Content[0].Thinking)
	assert.Equal(t, "running it", msg.Message.Content[1].Text)
	assert.Equal(t, "Bash", msg.Message.Content[2].Name)
	assert.Equal(t, "ls", msg.Message.Content[2].Input["command"])
}

func TestStreamEventDeltas(t *testing.T) {
	t.Run("text delta", func(t *testing.T) {
		line := `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"chunk"}}}`
		var msg CLIMessage
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		require.NotNil(t, msg.Event)
		require.NotNil(t, msg.Event.Delta)
		assert.Equal(t, "text_delta", msg.Event.Delta.Type)
		assert.Equal(t, "chunk", msg.Event.Delta.Text)
	})

	t.Run("thinking delta", func(t *testing.T) {
		line := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"pondering"}}}`
		var msg CLIMessage
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		assert.Equal(t, "pondering", msg.Event.Delta.Thinking)
	})

	t.Run("tool_use block start", func(t *testing.T) {
		line := `{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_02","name":"Read"}}}`
		var msg CLIMessage
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		require.NotNil(t, msg.Event.Block)
		assert.Equal(t, "tool_use", msg.Event.Block.Type)
		assert.Equal(t, "Read", msg.Event.Block.Name)
	})
}

func TestControlRequestParsing(t *testing.T) {
	line := `{"type":"control_request","request_id":"cr-9","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"file_path":"/tmp/x"},"tool_use_id":"toolu_03"}}`
	var msg CLIMessage
	require.NoError(t, json.Unmarshal([]byte(line), &msg))

	assert.Equal(t, "cr-9", msg.RequestID)
	require.NotNil(t, msg.Request)
	assert.Equal(t, SubtypeCanUseTool, msg.Request.Subtype)
	assert.Equal(t, "Write", msg.Request.ToolName)
	assert.Equal(t, "toolu_03", msg.Request.ToolUseID)
}

func TestPermissionResultSerialization(t *testing.T) {
	resp := ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: "cr-9",
		Response: &ControlResponse{
			Subtype: "success",
			Result:  &PermissionResult{Behavior: BehaviorDeny, Message: "denied by user"},
		},
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"behavior":"deny"`)
	assert.Contains(t, string(data), `"denied by user"`)
}

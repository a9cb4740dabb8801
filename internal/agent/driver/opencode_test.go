package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentevents "github.com/agor/agor/internal/agent/events"
	"github.com/agor/agor/internal/agent/permission"
	v1 "github.com/agor/agor/pkg/api/v1"
	"github.com/agor/agor/pkg/opencode"
)

func newOpenCodeTestTranslator(t *testing.T, client *opencode.Client, gate Gate) (*opencodeTranslator, chan agentevents.ProcessedEvent) {
	t.Helper()
	if gate == nil {
		gate = &fakeGate{decision: permission.Decision{Behavior: v1.PermissionAllow}}
	}
	events := make(chan agentevents.ProcessedEvent, 32)
	req := &PromptRequest{
		Session: &v1.Session{ID: "sess-1"},
		TaskID:  "task-1",
		Gate:    gate,
	}
	return newOpenCodeTranslator(context.Background(), client, req, events, newTestLogger(t)), events
}

func sseEvent(t *testing.T, eventType string, properties any) *opencode.Event {
	t.Helper()
	raw, err := json.Marshal(properties)
	require.NoError(t, err)
	return &opencode.Event{Type: eventType, Properties: raw}
}

func TestOpenCodeTranslatorText(t *testing.T) {
	t.Run("delta is streamed directly", func(t *testing.T) {
		translator, events := newOpenCodeTestTranslator(t, nil, nil)
		translator.handle(sseEvent(t, opencode.EventMessagePartUpdated, map[string]any{
			"part":  map[string]any{"id": "prt_1", "type": "text", "text": "hel"},
			"delta": "hel",
		}))
		translator.handle(sseEvent(t, opencode.EventMessagePartUpdated, map[string]any{
			"part":  map[string]any{"id": "prt_1", "type": "text", "text": "hello"},
			"delta": "lo",
		}))

		out := collect(events)
		require.Len(t, out, 2)
		assert.Equal(t, "hel", out[0].TextChunk)
		assert.Equal(t, "lo", out[1].TextChunk)
	})

	t.Run("missing delta falls back to the new suffix", func(t *testing.T) {
		translator, events := newOpenCodeTestTranslator(t, nil, nil)
		translator.handle(sseEvent(t, opencode.EventMessagePartUpdated, map[string]any{
			"part": map[string]any{"id": "prt_1", "type": "text", "text": "hello"},
		}))
		translator.handle(sseEvent(t, opencode.EventMessagePartUpdated, map[string]any{
			"part": map[string]any{"id": "prt_1", "type": "text", "text": "hello world"},
		}))

		out := collect(events)
		require.Len(t, out, 2)
		assert.Equal(t, "hello", out[0].TextChunk)
		assert.Equal(t, " world", out[1].TextChunk)
	})

	t.Run("reasoning parts stream as thinking", func(t *testing.T) {
		translator, events := newOpenCodeTestTranslator(t, nil, nil)
		translator.handle(sseEvent(t, opencode.EventMessagePartUpdated, map[string]any{
			"part":  map[string]any{"id": "prt_2", "type": "reasoning", "text": "mull"},
			"delta": "mull",
		}))

		out := collect(events)
		require.Len(t, out, 1)
		assert.Equal(t, agentevents.KindThinkingPartial, out[0].Kind)
		assert.Equal(t, "mull", out[0].ThinkingChunk)
	})
}

func TestOpenCodeTranslatorTools(t *testing.T) {
	translator, events := newOpenCodeTestTranslator(t, nil, nil)

	translator.handle(sseEvent(t, opencode.EventMessagePartUpdated, map[string]any{
		"part": map[string]any{
			"id": "prt_3", "type": "tool", "callID": "call_1", "tool": "bash",
			"state": map[string]any{"status": "running", "input": map[string]any{"command": "ls"}},
		},
	}))
	// Repeated running updates must not emit a second start.
	translator.handle(sseEvent(t, opencode.EventMessagePartUpdated, map[string]any{
		"part": map[string]any{
			"id": "prt_3", "type": "tool", "callID": "call_1", "tool": "bash",
			"state": map[string]any{"status": "running"},
		},
	}))
	translator.handle(sseEvent(t, opencode.EventMessagePartUpdated, map[string]any{
		"part": map[string]any{
			"id": "prt_3", "type": "tool", "callID": "call_1", "tool": "bash",
			"state": map[string]any{"status": "completed", "output": "file.go"},
		},
	}))

	out := collect(events)
	require.Len(t, out, 2)
	assert.Equal(t, agentevents.KindToolStart, out[0].Kind)
	assert.Equal(t, "bash", out[0].ToolName)
	assert.Equal(t, "call_1", out[0].ToolUseID)
	assert.Equal(t, "ls", out[0].ToolInput["command"])

	assert.Equal(t, agentevents.KindToolComplete, out[1].Kind)
	result := out[1].ToolResult.(map[string]interface{})
	assert.Equal(t, "file.go", result["output"])
}

func TestOpenCodeTranslatorPermission(t *testing.T) {
	t.Run("allow replies once", func(t *testing.T) {
		var gotPath string
		var gotReply opencode.PermissionReplyRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReply))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()
		client := opencode.NewClient(server.URL, "/repo", "pw", newTestLogger(t))

		gate := &fakeGate{decision: permission.Decision{Behavior: v1.PermissionAllow}}
		translator, events := newOpenCodeTestTranslator(t, client, gate)
		translator.handle(sseEvent(t, opencode.EventPermissionAsked, map[string]any{
			"id": "perm_1", "sessionID": "oc_1", "permission": "bash",
			"tool":     map[string]any{"callID": "call_1", "name": "bash"},
			"metadata": map[string]any{"command": "rm -rf build"},
		}))
		_ = collect(events)

		assert.Equal(t, "/permission/perm_1/reply", gotPath)
		assert.Equal(t, opencode.PermissionReplyOnce, gotReply.Reply)
		require.Len(t, gate.requests, 1)
		assert.Equal(t, "bash", gate.requests[0].ToolName)
		assert.Equal(t, "call_1", gate.requests[0].ToolUseID)
		assert.Equal(t, "rm -rf build", gate.requests[0].ToolInput["command"])
	})

	t.Run("deny replies reject with the reason", func(t *testing.T) {
		var gotReply opencode.PermissionReplyRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReply))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()
		client := opencode.NewClient(server.URL, "/repo", "pw", newTestLogger(t))

		gate := &fakeGate{decision: permission.Decision{Behavior: v1.PermissionDeny, Reason: "user said no"}}
		translator, events := newOpenCodeTestTranslator(t, client, gate)
		translator.handle(sseEvent(t, opencode.EventPermissionAsked, map[string]any{
			"id": "perm_2", "permission": "bash",
		}))
		_ = collect(events)

		assert.Equal(t, opencode.PermissionReplyReject, gotReply.Reply)
		assert.Equal(t, "user said no", gotReply.Message)
	})
}

func TestOpenCodeTranslatorResult(t *testing.T) {
	t.Run("final assistant usage becomes the raw payload", func(t *testing.T) {
		translator, events := newOpenCodeTestTranslator(t, nil, nil)
		translator.handle(sseEvent(t, opencode.EventMessageUpdated, map[string]any{
			"info": map[string]any{
				"id": "msg_1", "sessionID": "oc_1", "role": "assistant",
				"modelID": "claude-sonnet-4", "cost": 0.42,
				"tokens": map[string]any{
					"input": 1000, "output": 200, "reasoning": 50,
					"cache": map[string]any{"read": 400, "write": 30},
				},
			},
		}))
		_ = collect(events)

		raw := translator.result("oc_1")
		assert.Equal(t, "oc_1", raw["sessionID"])
		assert.Equal(t, "claude-sonnet-4", raw["modelID"])
		assert.Equal(t, 0.42, raw["cost"])
		tokens := raw["tokens"].(map[string]interface{})
		assert.Equal(t, float64(1000), tokens["input"])
		cache := tokens["cache"].(map[string]interface{})
		assert.Equal(t, float64(400), cache["read"])
	})

	t.Run("user messages do not overwrite the usage", func(t *testing.T) {
		translator, events := newOpenCodeTestTranslator(t, nil, nil)
		translator.handle(sseEvent(t, opencode.EventMessageUpdated, map[string]any{
			"info": map[string]any{"id": "msg_2", "role": "user"},
		}))
		_ = collect(events)

		raw := translator.result("oc_1")
		_, hasTokens := raw["tokens"]
		assert.False(t, hasTokens)
	})

	t.Run("compaction marker", func(t *testing.T) {
		translator, events := newOpenCodeTestTranslator(t, nil, nil)
		translator.handle(sseEvent(t, opencode.EventSessionCompacted, map[string]any{"sessionID": "oc_1"}))

		out := collect(events)
		require.Len(t, out, 1)
		assert.Equal(t, "compaction", out[0].SystemType)
	})
}

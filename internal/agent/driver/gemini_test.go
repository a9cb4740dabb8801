package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	agentevents "github.com/agor/agor/internal/agent/events"
	"github.com/agor/agor/internal/agent/permission"
	v1 "github.com/agor/agor/pkg/api/v1"
)

type fakeExecutor struct {
	results map[string]map[string]any
	calls   []string
}

func (f *fakeExecutor) List(context.Context) ([]ToolDefinition, error) { return nil, nil }

func (f *fakeExecutor) Execute(_ context.Context, name string, _ map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, name)
	result, ok := f.results[name]
	if !ok {
		return nil, errors.New("unknown tool")
	}
	return result, nil
}

func (f *fakeExecutor) Close() {}

func TestGeminiExecuteCalls(t *testing.T) {
	driver := NewGeminiDriver(newTestLogger(t))

	t.Run("allowed call runs and responds", func(t *testing.T) {
		executor := &fakeExecutor{results: map[string]map[string]any{
			"mcp__github__create_issue": {"result": "issue #7"},
		}}
		gate := &fakeGate{decision: permission.Decision{Behavior: v1.PermissionAllow}}
		events := make(chan agentevents.ProcessedEvent, 8)

		responses := driver.executeCalls(context.Background(), executor,
			&PromptRequest{Session: &v1.Session{ID: "sess-1"}, TaskID: "task-1", Gate: gate},
			[]*genai.FunctionCall{{ID: "call_1", Name: "mcp__github__create_issue", Args: map[string]any{"title": "bug"}}},
			events)

		require.Len(t, responses, 1)
		assert.Equal(t, "issue #7", responses[0].FunctionResponse.Response["result"])
		assert.Equal(t, []string{"mcp__github__create_issue"}, executor.calls)

		out := collect(events)
		require.Len(t, out, 2)
		assert.Equal(t, agentevents.KindToolStart, out[0].Kind)
		assert.Equal(t, agentevents.KindToolComplete, out[1].Kind)
	})

	t.Run("denied call never reaches the executor", func(t *testing.T) {
		executor := &fakeExecutor{}
		gate := &fakeGate{decision: permission.Decision{Behavior: v1.PermissionDeny, Reason: "not now"}}
		events := make(chan agentevents.ProcessedEvent, 8)

		responses := driver.executeCalls(context.Background(), executor,
			&PromptRequest{Session: &v1.Session{ID: "sess-1"}, Gate: gate},
			[]*genai.FunctionCall{{ID: "call_2", Name: "mcp__files__delete", Args: map[string]any{}}},
			events)

		require.Len(t, responses, 1)
		assert.Contains(t, responses[0].FunctionResponse.Response["error"], "permission denied")
		assert.Empty(t, executor.calls)
	})

	t.Run("executor failure is reported to the model", func(t *testing.T) {
		executor := &fakeExecutor{}
		gate := &fakeGate{decision: permission.Decision{Behavior: v1.PermissionAllow}}
		events := make(chan agentevents.ProcessedEvent, 8)

		responses := driver.executeCalls(context.Background(), executor,
			&PromptRequest{Session: &v1.Session{ID: "sess-1"}, Gate: gate},
			[]*genai.FunctionCall{{ID: "call_3", Name: "mcp__missing__tool"}},
			events)

		require.Len(t, responses, 1)
		assert.Equal(t, "unknown tool", responses[0].FunctionResponse.Response["error"])
	})
}

func TestGeminiRaw(t *testing.T) {
	t.Run("usage keys keep the vendor spelling", func(t *testing.T) {
		raw := geminiRaw(&genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:        1200,
			CandidatesTokenCount:    300,
			ThoughtsTokenCount:      80,
			CachedContentTokenCount: 500,
			TotalTokenCount:         1580,
		}, "gemini-2.5-pro")

		assert.Equal(t, "gemini-2.5-pro", raw["modelVersion"])
		usage := raw["usageMetadata"].(map[string]interface{})
		assert.Equal(t, float64(1200), usage["promptTokenCount"])
		assert.Equal(t, float64(80), usage["thoughtsTokenCount"])
		assert.Equal(t, float64(500), usage["cachedContentTokenCount"])
	})

	t.Run("nil usage keeps only the model", func(t *testing.T) {
		raw := geminiRaw(nil, "gemini-2.5-pro")
		_, ok := raw["usageMetadata"]
		assert.False(t, ok)
	})
}

func TestToGenaiSchema(t *testing.T) {
	schema := toGenaiSchema(map[string]any{
		"type":        "object",
		"description": "issue fields",
		"properties": map[string]any{
			"title":  map[string]any{"type": "string"},
			"labels": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"state":  map[string]any{"type": "string", "enum": []any{"open", "closed"}},
		},
		"required": []any{"title"},
	})

	require.NotNil(t, schema)
	assert.Equal(t, genai.Type("object"), schema.Type)
	assert.Equal(t, []string{"title"}, schema.Required)
	require.Contains(t, schema.Properties, "labels")
	assert.Equal(t, genai.Type("string"), schema.Properties["labels"].Items.Type)
	assert.Equal(t, []string{"open", "closed"}, schema.Properties["state"].Enum)
}

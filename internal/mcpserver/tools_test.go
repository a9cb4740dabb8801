package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/common/logger"
	v1 "github.com/agor/agor/pkg/api/v1"
)

type fakeSessionAPI struct {
	sessions map[string]*v1.Session
	messages []*v1.Message
	created  []v1.CreateMessageRequest
	filters  []v1.FindMessagesRequest
}

func (f *fakeSessionAPI) GetSession(_ context.Context, id string) (*v1.Session, error) {
	session, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return session, nil
}

func (f *fakeSessionAPI) CreateMessage(_ context.Context, req v1.CreateMessageRequest) (*v1.Message, error) {
	f.created = append(f.created, req)
	return &v1.Message{ID: "msg-1", SessionID: req.SessionID, Index: 7, Role: req.Role, Content: req.Content}, nil
}

func (f *fakeSessionAPI) FindMessages(_ context.Context, filter v1.FindMessagesRequest) ([]*v1.Message, error) {
	f.filters = append(f.filters, filter)
	return f.messages, nil
}

func newFakeAPI() *fakeSessionAPI {
	return &fakeSessionAPI{
		sessions: map[string]*v1.Session{
			"sess-1": {ID: "sess-1", AgenticTool: v1.ToolClaudeCode, MCPToken: "tok-1"},
		},
	}
}

func testToolLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func authedCtx(token string) context.Context {
	return context.WithValue(context.Background(), bearerTokenKey{}, token)
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestAuthorizeSession(t *testing.T) {
	api := newFakeAPI()

	t.Run("matching token resolves session", func(t *testing.T) {
		session, err := authorizeSession(authedCtx("tok-1"), api, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "sess-1", session.ID)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		_, err := authorizeSession(authedCtx("tok-2"), api, "sess-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sess-1")
		assert.NotContains(t, err.Error(), "tok-1")
	})

	t.Run("unknown session rejected", func(t *testing.T) {
		_, err := authorizeSession(authedCtx("tok-1"), api, "sess-404")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestSessionInfoTool(t *testing.T) {
	api := newFakeAPI()
	handler := sessionInfoHandler(api, testToolLogger(t))

	result, err := handler(authedCtx("tok-1"), callRequest(map[string]any{"session_id": "sess-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := result.Content[0].(mcp.TextContent).Text
	assert.Contains(t, text, "sess-1")
	// The token never round-trips through the tool surface.
	assert.NotContains(t, text, "tok-1")
}

func TestPostStatusTool(t *testing.T) {
	api := newFakeAPI()
	handler := postStatusHandler(api, testToolLogger(t))

	result, err := handler(authedCtx("tok-1"), callRequest(map[string]any{
		"session_id": "sess-1",
		"status":     "running the migration suite",
		"task_id":    "task-9",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.Len(t, api.created, 1)
	created := api.created[0]
	assert.Equal(t, "sess-1", created.SessionID)
	assert.Equal(t, v1.MessageRoleSystem, created.Role)
	require.NotNil(t, created.TaskID)
	assert.Equal(t, "task-9", *created.TaskID)
	require.Len(t, created.Content, 1)
	assert.Equal(t, v1.BlockTypeSystemStatus, created.Content[0].Type)
	assert.Equal(t, "agent_status", created.Content[0].SystemType)
	assert.Equal(t, "running the migration suite", created.Content[0].Text)

	t.Run("wrong token never reaches the store", func(t *testing.T) {
		result, err := handler(authedCtx("tok-2"), callRequest(map[string]any{
			"session_id": "sess-1",
			"status":     "should not land",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Len(t, api.created, 1)
	})
}

func TestListMessagesTool(t *testing.T) {
	api := newFakeAPI()
	api.messages = []*v1.Message{
		{Index: 3, Role: v1.MessageRoleUser, ContentPreview: "fix the flaky test", Timestamp: time.Unix(1700000000, 0)},
		{Index: 4, Role: v1.MessageRoleAssistant, ContentPreview: "On it.", ToolUses: []string{"tu_1"}, Timestamp: time.Unix(1700000100, 0)},
	}
	handler := listMessagesHandler(api, testToolLogger(t))

	result, err := handler(authedCtx("tok-1"), callRequest(map[string]any{
		"session_id":  "sess-1",
		"limit":       float64(10),
		"after_index": float64(2),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.Len(t, api.filters, 1)
	assert.Equal(t, 10, api.filters[0].Limit)
	require.NotNil(t, api.filters[0].AfterIndex)
	assert.Equal(t, int64(2), *api.filters[0].AfterIndex)

	var summaries []map[string]any
	text := result.Content[0].(mcp.TextContent).Text
	require.NoError(t, json.Unmarshal([]byte(text), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, "fix the flaky test", summaries[0]["preview"])
	assert.Equal(t, []any{"tu_1"}, summaries[1]["tool_uses"])

	t.Run("limit defaults", func(t *testing.T) {
		_, err := handler(authedCtx("tok-1"), callRequest(map[string]any{"session_id": "sess-1"}))
		require.NoError(t, err)
		last := api.filters[len(api.filters)-1]
		assert.Equal(t, defaultMessageLimit, last.Limit)
		assert.Nil(t, last.AfterIndex)
	})
}

func TestRequireBearer(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = bearerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := requireBearer(next)

	t.Run("missing header rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer token forwarded in context", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer tok-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "tok-1", seen)
	})
}

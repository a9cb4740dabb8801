package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/daemon"
	"github.com/agor/agor/internal/events"
	"github.com/agor/agor/internal/events/bus"
	"github.com/agor/agor/internal/session/repository"
	"github.com/agor/agor/internal/session/service"
	v1 "github.com/agor/agor/pkg/api/v1"
	ws "github.com/agor/agor/pkg/websocket"
)

type recordingSpawner struct {
	mu      sync.Mutex
	spawned []daemon.SpawnRequest
	fail    bool
}

func (s *recordingSpawner) Spawn(_ context.Context, req daemon.SpawnRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("spawn refused")
	}
	s.spawned = append(s.spawned, req)
	return nil
}

func (s *recordingSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

type fixture struct {
	dispatcher *ws.Dispatcher
	sessions   *service.Service
	spawner    *recordingSpawner
	eventBus   bus.EventBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	sessions := service.NewService(repository.NewMemory(), eventBus, log)
	tokens := daemon.NewTokenStore(time.Hour, func() (string, error) { return "test-token", nil }, log)
	spawner := &recordingSpawner{}
	prompts := daemon.NewPromptService(sessions, daemon.NewPromptQueue(), tokens, spawner, eventBus, log)

	dispatcher := ws.NewDispatcher()
	New(sessions, prompts, eventBus, log).RegisterAll(dispatcher)
	return &fixture{dispatcher: dispatcher, sessions: sessions, spawner: spawner, eventBus: eventBus}
}

// dispatch sends a request frame through the dispatcher and decodes the
// response payload into out when the frame is not an error.
func (f *fixture) dispatch(t *testing.T, action string, payload, out interface{}) *ws.Message {
	t.Helper()
	req, err := ws.NewRequest("req-1", action, payload)
	require.NoError(t, err)
	resp, err := f.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	if out != nil && resp.Type == ws.MessageTypeResponse {
		require.NoError(t, resp.ParsePayload(out))
	}
	return resp
}

func (f *fixture) errorCode(t *testing.T, resp *ws.Message) string {
	t.Helper()
	require.Equal(t, ws.MessageTypeError, resp.Type)
	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	return payload.Code
}

func (f *fixture) createSession(t *testing.T) *v1.Session {
	t.Helper()
	var session v1.Session
	resp := f.dispatch(t, ws.ActionSessionCreate, v1.CreateSessionRequest{
		AgenticTool: v1.ToolClaudeCode,
		CreatedBy:   "alice",
	}, &session)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	require.NotEmpty(t, session.ID)
	return &session
}

func TestSessionActions(t *testing.T) {
	f := newFixture(t)

	session := f.createSession(t)
	assert.Equal(t, v1.SessionStatusIdle, session.Status)

	t.Run("get returns the session", func(t *testing.T) {
		var got v1.Session
		resp := f.dispatch(t, ws.ActionSessionGet, map[string]string{"id": session.ID}, &got)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		assert.Equal(t, session.ID, got.ID)
	})

	t.Run("archive defaults to true", func(t *testing.T) {
		var got v1.Session
		resp := f.dispatch(t, ws.ActionSessionArchive, map[string]string{"id": session.ID}, &got)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		assert.True(t, got.Archived)
	})

	t.Run("get unknown session is NOT_FOUND", func(t *testing.T) {
		resp := f.dispatch(t, ws.ActionSessionGet, map[string]string{"id": "missing"}, nil)
		assert.Equal(t, ws.ErrorCodeNotFound, f.errorCode(t, resp))
	})

	t.Run("continuation token capture and clear", func(t *testing.T) {
		var got v1.Session
		resp := f.dispatch(t, ws.ActionSessionUpdate, map[string]interface{}{
			"id":             session.ID,
			"sdk_session_id": "sdk-abc",
		}, &got)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		require.NotNil(t, got.SdkSessionID)
		assert.Equal(t, "sdk-abc", *got.SdkSessionID)

		var cleared v1.Session
		resp = f.dispatch(t, ws.ActionSessionUpdate, map[string]interface{}{
			"id":                session.ID,
			"clear_sdk_session": true,
		}, &cleared)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		assert.Nil(t, cleared.SdkSessionID)
	})

	t.Run("delete then get", func(t *testing.T) {
		resp := f.dispatch(t, ws.ActionSessionDelete, map[string]string{"id": session.ID}, nil)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		resp = f.dispatch(t, ws.ActionSessionGet, map[string]string{"id": session.ID}, nil)
		assert.Equal(t, ws.ErrorCodeNotFound, f.errorCode(t, resp))
	})
}

func TestPromptAndQueueActions(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)

	var first v1.PromptResponse
	resp := f.dispatch(t, ws.ActionSessionPrompt, map[string]interface{}{
		"session_id": session.ID,
		"prompt":     "add a README",
		"created_by": "alice",
	}, &first)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	require.NotEmpty(t, first.TaskID)
	assert.False(t, first.Queued)
	assert.Equal(t, 1, f.spawner.count())

	t.Run("second prompt queues behind the active task", func(t *testing.T) {
		var second v1.PromptResponse
		resp := f.dispatch(t, ws.ActionSessionPrompt, map[string]interface{}{
			"session_id": session.ID,
			"prompt":     "also add tests",
			"created_by": "alice",
		}, &second)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		assert.True(t, second.Queued)
		assert.Empty(t, second.TaskID)
		assert.Equal(t, 1, f.spawner.count())
	})

	t.Run("queue status shows the pending prompt", func(t *testing.T) {
		var status struct {
			SessionID string               `json:"session_id"`
			Queued    []daemon.QueuedPrompt `json:"queued"`
		}
		resp := f.dispatch(t, ws.ActionQueueStatus, map[string]string{"session_id": session.ID}, &status)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		require.Len(t, status.Queued, 1)
		assert.Equal(t, "also add tests", status.Queued[0].Request.Prompt)
	})

	t.Run("replace swaps the queued prompt", func(t *testing.T) {
		var entry daemon.QueuedPrompt
		resp := f.dispatch(t, ws.ActionQueueReplace, map[string]interface{}{
			"session_id": session.ID,
			"prompt":     "different idea",
		}, &entry)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		assert.Equal(t, "different idea", entry.Request.Prompt)
	})

	t.Run("cancel drains the queue", func(t *testing.T) {
		var result struct {
			Removed int `json:"removed"`
		}
		resp := f.dispatch(t, ws.ActionQueueCancel, map[string]string{"session_id": session.ID}, &result)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		assert.Equal(t, 1, result.Removed)
	})

	t.Run("empty prompt is rejected", func(t *testing.T) {
		resp := f.dispatch(t, ws.ActionSessionPrompt, map[string]string{"session_id": session.ID}, nil)
		assert.Equal(t, ws.ErrorCodeValidation, f.errorCode(t, resp))
	})
}

func TestTaskStopActions(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)

	var prompted v1.PromptResponse
	f.dispatch(t, ws.ActionSessionPrompt, map[string]interface{}{
		"session_id": session.ID,
		"prompt":     "long running work",
		"created_by": "alice",
	}, &prompted)
	require.NotEmpty(t, prompted.TaskID)

	var stop struct {
		Sequence int64 `json:"sequence"`
	}
	resp := f.dispatch(t, ws.ActionTaskStop, map[string]string{
		"session_id": session.ID,
		"task_id":    prompted.TaskID,
	}, &stop)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	assert.Equal(t, int64(1), stop.Sequence)

	t.Run("stop a finished task is a conflict", func(t *testing.T) {
		status := v1.TaskStatusCompleted
		_, err := f.sessions.UpdateTask(context.Background(), prompted.TaskID, v1.UpdateTaskRequest{Status: &status})
		require.NoError(t, err)

		resp := f.dispatch(t, ws.ActionTaskStop, map[string]string{
			"session_id": session.ID,
			"task_id":    prompted.TaskID,
		}, nil)
		assert.Equal(t, ws.ErrorCodeConflict, f.errorCode(t, resp))
	})
}

func TestPermissionActions(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)

	var prompted v1.PromptResponse
	f.dispatch(t, ws.ActionSessionPrompt, map[string]interface{}{
		"session_id": session.ID,
		"prompt":     "run the migration",
		"created_by": "alice",
	}, &prompted)
	require.NotEmpty(t, prompted.TaskID)

	var recorded v1.PermissionRequest
	resp := f.dispatch(t, ws.ActionPermissionRequest, v1.PermissionRequest{
		TaskID:    prompted.TaskID,
		SessionID: session.ID,
		ToolName:  "Bash",
		ToolInput: map[string]interface{}{"command": "make migrate"},
	}, &recorded)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	require.NotEmpty(t, recorded.RequestID)

	t.Run("task moved to awaiting_permission", func(t *testing.T) {
		task, err := f.sessions.GetTask(context.Background(), prompted.TaskID)
		require.NoError(t, err)
		assert.Equal(t, v1.TaskStatusAwaitingPermission, task.Status)
	})

	t.Run("list returns the pending request", func(t *testing.T) {
		var pending []*v1.PermissionRequest
		resp := f.dispatch(t, ws.ActionPermissionList, map[string]string{}, &pending)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		require.Len(t, pending, 1)
		assert.Equal(t, recorded.RequestID, pending[0].RequestID)
	})

	t.Run("decide allow stamps the request", func(t *testing.T) {
		resp := f.dispatch(t, ws.ActionPermissionDecide, v1.PermissionDecision{
			RequestID: recorded.RequestID,
			Behavior:  v1.PermissionAllow,
			DecidedBy: "alice",
		}, nil)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)

		task, err := f.sessions.GetTask(context.Background(), prompted.TaskID)
		require.NoError(t, err)
		require.NotNil(t, task.PermissionRequest.DecidedBy)
		assert.Equal(t, "alice", *task.PermissionRequest.DecidedBy)
	})

	t.Run("decide unknown request is rejected", func(t *testing.T) {
		resp := f.dispatch(t, ws.ActionPermissionDecide, v1.PermissionDecision{
			RequestID: "no-such-request",
			Behavior:  v1.PermissionDeny,
			DecidedBy: "alice",
		}, nil)
		assert.Equal(t, ws.ErrorCodeValidation, f.errorCode(t, resp))
	})
}

func TestWorktreeAndBoardActions(t *testing.T) {
	f := newFixture(t)

	var board v1.Board
	resp := f.dispatch(t, ws.ActionBoardCreate, v1.CreateBoardRequest{
		Name:    "platform",
		OwnerID: "alice",
	}, &board)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	require.NotEmpty(t, board.ID)

	var wt v1.Worktree
	resp = f.dispatch(t, ws.ActionWorktreeCreate, v1.CreateWorktreeRequest{
		BoardID:   board.ID,
		Name:      "feature-auth",
		Path:      "/tmp/worktrees/feature-auth",
		Branch:    "feature/auth",
		CreatedBy: "alice",
	}, &wt)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	require.NotEmpty(t, wt.ID)
	assert.Contains(t, wt.Owners, "alice")

	t.Run("owner add and remove", func(t *testing.T) {
		var owner v1.WorktreeOwner
		resp := f.dispatch(t, ws.ActionOwnerCreate, map[string]string{
			"worktree_id": wt.ID,
			"user_id":     "bob",
		}, &owner)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		assert.Equal(t, "bob", owner.UserID)

		resp = f.dispatch(t, ws.ActionOwnerRemove, map[string]string{
			"worktree_id": wt.ID,
			"user_id":     "bob",
		}, nil)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)

		var owners []*v1.WorktreeOwner
		f.dispatch(t, ws.ActionOwnerFind, map[string]string{"worktree_id": wt.ID}, &owners)
		require.Len(t, owners, 1)
		assert.Equal(t, "alice", owners[0].UserID)
	})

	t.Run("archive deletes an unreferenced worktree", func(t *testing.T) {
		var result map[string]interface{}
		resp := f.dispatch(t, ws.ActionWorktreeArchive, map[string]string{"id": wt.ID}, &result)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		assert.Equal(t, true, result["deleted"])
	})

	t.Run("comment thread with reactions", func(t *testing.T) {
		var comment v1.BoardComment
		resp := f.dispatch(t, ws.ActionBoardCommentCreate, v1.CreateBoardCommentRequest{
			BoardID:  board.ID,
			AuthorID: "alice",
			Body:     "kicking this off",
		}, &comment)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)

		var reply v1.BoardComment
		resp = f.dispatch(t, ws.ActionBoardCommentReply, map[string]string{
			"parent_id": comment.ID,
			"author_id": "bob",
			"body":      "on it",
		}, &reply)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		require.NotNil(t, reply.ParentID)
		assert.Equal(t, comment.ID, *reply.ParentID)

		var reacted v1.BoardComment
		resp = f.dispatch(t, ws.ActionBoardCommentReact, map[string]string{
			"comment_id": comment.ID,
			"user_id":    "bob",
			"emoji":      "🚀",
		}, &reacted)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		assert.Equal(t, []string{"bob"}, reacted.Reactions["🚀"])

		var comments []*v1.BoardComment
		f.dispatch(t, ws.ActionBoardCommentFind, map[string]string{"board_id": board.ID}, &comments)
		assert.Len(t, comments, 2)
	})
}

func TestAgentStreamForwarding(t *testing.T) {
	f := newFixture(t)

	var received []*bus.Event
	var mu sync.Mutex
	sub, err := f.eventBus.Subscribe(events.BuildAgentStreamSubject("sess-1"), func(_ context.Context, event *bus.Event) error {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	frame, err := ws.NewNotification(ws.NotifyAgentStream, map[string]interface{}{
		"session_id": "sess-1",
		"kind":       "partial",
		"text_chunk": "hel",
	})
	require.NoError(t, err)
	resp, err := f.dispatcher.Dispatch(context.Background(), frame)
	require.NoError(t, err)
	assert.Nil(t, resp, "stream frames are notifications, no reply expected")

	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, "hel", received[0].Data["text_chunk"])
	mu.Unlock()

	t.Run("frame without session_id is dropped", func(t *testing.T) {
		frame, err := ws.NewNotification(ws.NotifyAgentStream, map[string]interface{}{"kind": "partial"})
		require.NoError(t, err)
		resp, err := f.dispatcher.Dispatch(context.Background(), frame)
		require.NoError(t, err)
		assert.Nil(t, resp)

		mu.Lock()
		assert.Len(t, received, 1)
		mu.Unlock()
	})
}

func TestSessionAllowToolAction(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)

	var updated v1.Session
	resp := f.dispatch(t, ws.ActionSessionAllowTool, map[string]string{
		"session_id": session.ID,
		"tool_name":  "Bash",
	}, &updated)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	assert.Contains(t, updated.PermissionConfig.AllowedTools, "Bash")
}

func TestMessageActions(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)

	var first v1.Message
	resp := f.dispatch(t, ws.ActionMessageCreate, v1.CreateMessageRequest{
		SessionID: session.ID,
		Role:      v1.MessageRoleUser,
		Content:   []v1.ContentBlock{{Type: v1.BlockTypeText, Text: "hello"}},
	}, &first)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	assert.Equal(t, int64(0), first.Index)

	var second v1.Message
	f.dispatch(t, ws.ActionMessageCreate, v1.CreateMessageRequest{
		SessionID: session.ID,
		Role:      v1.MessageRoleAssistant,
		Content:   []v1.ContentBlock{{Type: v1.BlockTypeText, Text: "hi there"}},
	}, &second)
	assert.Equal(t, int64(1), second.Index)

	t.Run("find after index", func(t *testing.T) {
		after := int64(0)
		var messages []*v1.Message
		resp := f.dispatch(t, ws.ActionMessageFind, v1.FindMessagesRequest{
			SessionID:  session.ID,
			AfterIndex: &after,
		}, &messages)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		require.Len(t, messages, 1)
		assert.Equal(t, second.ID, messages[0].ID)
	})

	t.Run("update rewrites content", func(t *testing.T) {
		var updated v1.Message
		resp := f.dispatch(t, ws.ActionMessageUpdate, map[string]interface{}{
			"id":      second.ID,
			"content": []v1.ContentBlock{{Type: v1.BlockTypeText, Text: "hi there, revised"}},
		}, &updated)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		require.Len(t, updated.Content, 1)
		assert.Equal(t, "hi there, revised", updated.Content[0].Text)
	})
}

package daemon

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/events"
	"github.com/agor/agor/internal/events/bus"
	"github.com/agor/agor/internal/session/repository"
	"github.com/agor/agor/internal/session/service"
	v1 "github.com/agor/agor/pkg/api/v1"
)

type stubSpawner struct {
	mu      sync.Mutex
	spawned []SpawnRequest
	fail    bool
}

func (s *stubSpawner) Spawn(_ context.Context, req SpawnRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("no executor binary")
	}
	s.spawned = append(s.spawned, req)
	return nil
}

func (s *stubSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func (s *stubSpawner) last() SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[len(s.spawned)-1]
}

type promptFixture struct {
	sessions *service.Service
	tokens   *TokenStore
	spawner  *stubSpawner
	prompts  *PromptService
	eventBus bus.EventBus
}

func newPromptFixture(t *testing.T) *promptFixture {
	t.Helper()
	log := newTestLogger(t)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	sessions := service.NewService(repository.NewMemory(), eventBus, log)
	tokens := NewTokenStore(time.Hour, sequentialMint(), log)
	spawner := &stubSpawner{}
	prompts := NewPromptService(sessions, NewPromptQueue(), tokens, spawner, eventBus, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, prompts.Start(ctx))

	return &promptFixture{
		sessions: sessions,
		tokens:   tokens,
		spawner:  spawner,
		prompts:  prompts,
		eventBus: eventBus,
	}
}

func (f *promptFixture) createSession(t *testing.T) *v1.Session {
	t.Helper()
	session, err := f.sessions.CreateSession(context.Background(), v1.CreateSessionRequest{
		AgenticTool: v1.ToolClaudeCode,
		CreatedBy:   "alice",
	})
	require.NoError(t, err)
	return session
}

func TestSubmitPromptStartsTask(t *testing.T) {
	f := newPromptFixture(t)
	session := f.createSession(t)
	ctx := context.Background()

	resp, err := f.prompts.SubmitPrompt(ctx, session.ID, v1.PromptRequest{
		Prompt:    "add a README",
		CreatedBy: "alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.TaskID)
	assert.False(t, resp.Queued)

	require.Equal(t, 1, f.spawner.count())
	spawn := f.spawner.last()
	assert.Equal(t, session.ID, spawn.Session.ID)
	assert.Equal(t, resp.TaskID, spawn.Task.ID)
	assert.NotEmpty(t, spawn.Token)

	sessionID, ok := f.tokens.Validate(spawn.Token)
	require.True(t, ok)
	assert.Equal(t, session.ID, sessionID)

	t.Run("records the user message", func(t *testing.T) {
		messages, err := f.sessions.FindMessages(ctx, v1.FindMessagesRequest{SessionID: session.ID})
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, v1.MessageRoleUser, messages[0].Role)
		assert.Equal(t, "add a README", messages[0].Content[0].Text)
	})

	t.Run("marks the session running", func(t *testing.T) {
		updated, err := f.sessions.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, v1.SessionStatusRunning, updated.Status)
	})

	t.Run("rejects an empty prompt", func(t *testing.T) {
		_, err := f.prompts.SubmitPrompt(ctx, session.ID, v1.PromptRequest{})
		assert.ErrorIs(t, err, service.ErrInvalidInput)
	})
}

func TestSubmitPromptQueuesBehindActiveTask(t *testing.T) {
	f := newPromptFixture(t)
	session := f.createSession(t)
	ctx := context.Background()

	first, err := f.prompts.SubmitPrompt(ctx, session.ID, v1.PromptRequest{Prompt: "first"})
	require.NoError(t, err)
	require.NotEmpty(t, first.TaskID)

	second, err := f.prompts.SubmitPrompt(ctx, session.ID, v1.PromptRequest{Prompt: "second"})
	require.NoError(t, err)
	assert.True(t, second.Queued)
	assert.Empty(t, second.TaskID)
	assert.Equal(t, 1, f.spawner.count())
	assert.Len(t, f.prompts.Queue().Status(session.ID), 1)
}

func TestQueuedPromptPromotedWhenTaskEnds(t *testing.T) {
	f := newPromptFixture(t)
	session := f.createSession(t)
	ctx := context.Background()

	first, err := f.prompts.SubmitPrompt(ctx, session.ID, v1.PromptRequest{Prompt: "first"})
	require.NoError(t, err)
	_, err = f.prompts.SubmitPrompt(ctx, session.ID, v1.PromptRequest{Prompt: "second"})
	require.NoError(t, err)

	firstToken := f.spawner.last().Token

	// Terminal update rides the bus: revokes the token and promotes the
	// queued prompt into a new task.
	status := v1.TaskStatusCompleted
	_, err = f.sessions.UpdateTask(ctx, first.TaskID, v1.UpdateTaskRequest{Status: &status})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.spawner.count() == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "second", f.spawner.last().Prompt)
	assert.Empty(t, f.prompts.Queue().Status(session.ID))

	_, ok := f.tokens.Validate(firstToken)
	assert.False(t, ok, "token for the finished task should be revoked")
}

func TestStopTask(t *testing.T) {
	f := newPromptFixture(t)
	session := f.createSession(t)
	ctx := context.Background()

	resp, err := f.prompts.SubmitPrompt(ctx, session.ID, v1.PromptRequest{Prompt: "long job"})
	require.NoError(t, err)

	var stopEvents []*bus.Event
	var mu sync.Mutex
	sub, err := f.eventBus.Subscribe(events.BuildTaskStopSubject(session.ID), func(_ context.Context, event *bus.Event) error {
		mu.Lock()
		stopEvents = append(stopEvents, event)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	sequence, err := f.prompts.StopTask(ctx, session.ID, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sequence)

	mu.Lock()
	require.Len(t, stopEvents, 1)
	assert.Equal(t, resp.TaskID, stopEvents[0].Data["task_id"])
	mu.Unlock()

	t.Run("sequence increments per session", func(t *testing.T) {
		sequence, err := f.prompts.StopTask(ctx, session.ID, resp.TaskID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), sequence)
	})

	t.Run("session marked stopping", func(t *testing.T) {
		updated, err := f.sessions.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, v1.SessionStatusStopping, updated.Status)
	})

	t.Run("wrong session is rejected", func(t *testing.T) {
		other := f.createSession(t)
		_, err := f.prompts.StopTask(ctx, other.ID, resp.TaskID)
		assert.ErrorIs(t, err, service.ErrInvalidInput)
	})

	t.Run("finished task is a conflict", func(t *testing.T) {
		status := v1.TaskStatusStopped
		_, err := f.sessions.UpdateTask(ctx, resp.TaskID, v1.UpdateTaskRequest{Status: &status})
		require.NoError(t, err)

		_, err = f.prompts.StopTask(ctx, session.ID, resp.TaskID)
		assert.ErrorIs(t, err, service.ErrConflict)
	})
}

func TestSpawnFailureMarksTaskFailed(t *testing.T) {
	f := newPromptFixture(t)
	f.spawner.fail = true
	session := f.createSession(t)
	ctx := context.Background()

	_, err := f.prompts.SubmitPrompt(ctx, session.ID, v1.PromptRequest{Prompt: "doomed"})
	require.Error(t, err)

	status := v1.TaskStatusFailed
	tasks, err := f.sessions.FindTasks(ctx, v1.FindTasksRequest{
		SessionID: &session.ID,
		Status:    &status,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NotEmpty(t, tasks[0].ErrorMessage)
	assert.Contains(t, tasks[0].ErrorMessage, "no executor binary")
}

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agor/agor/pkg/api/v1"
)

func seedSession(t *testing.T, m *Memory) *v1.Session {
	t.Helper()
	session := &v1.Session{AgenticTool: v1.ToolClaudeCode, CreatedBy: "alice"}
	require.NoError(t, m.CreateSession(context.Background(), session))
	return session
}

func TestMemoryMessageIndexes(t *testing.T) {
	m := NewMemory()
	session := seedSession(t, m)

	t.Run("empty session reports -1", func(t *testing.T) {
		max, err := m.MaxMessageIndex(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), max)
	})

	t.Run("max tracks the highest index", func(t *testing.T) {
		for i := int64(0); i < 3; i++ {
			require.NoError(t, m.CreateMessage(context.Background(), &v1.Message{
				SessionID: session.ID,
				Index:     i,
				Role:      v1.MessageRoleUser,
			}))
		}
		max, err := m.MaxMessageIndex(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), max)
	})

	t.Run("index collision is rejected", func(t *testing.T) {
		err := m.CreateMessage(context.Background(), &v1.Message{
			SessionID: session.ID,
			Index:     1,
			Role:      v1.MessageRoleAssistant,
		})
		require.ErrorIs(t, err, ErrDuplicateIndex)
	})

	t.Run("another session has its own index space", func(t *testing.T) {
		other := seedSession(t, m)
		max, err := m.MaxMessageIndex(context.Background(), other.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), max)
		require.NoError(t, m.CreateMessage(context.Background(), &v1.Message{
			SessionID: other.ID,
			Index:     0,
			Role:      v1.MessageRoleUser,
		}))
	})
}

func TestMemoryCompletedTasksOrder(t *testing.T) {
	m := NewMemory()
	session := seedSession(t, m)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		task := &v1.Task{
			SessionID: session.ID,
			Status:    v1.TaskStatusCompleted,
			Prompt:    "step",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, m.CreateTask(context.Background(), task))
	}

	tasks, err := m.CompletedTasks(context.Background(), session.ID, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.True(t, tasks[0].CreatedAt.Before(tasks[1].CreatedAt), "oldest first")
}

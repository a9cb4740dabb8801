package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agor/agor/pkg/api/v1"
)

func TestPromptQueueFIFO(t *testing.T) {
	q := NewPromptQueue()

	q.Enqueue("sess-1", v1.PromptRequest{Prompt: "first"})
	q.Enqueue("sess-1", v1.PromptRequest{Prompt: "second"})
	q.Enqueue("sess-2", v1.PromptRequest{Prompt: "other session"})

	entry, ok := q.Pop("sess-1")
	require.True(t, ok)
	assert.Equal(t, "first", entry.Request.Prompt)

	entry, ok = q.Pop("sess-1")
	require.True(t, ok)
	assert.Equal(t, "second", entry.Request.Prompt)

	_, ok = q.Pop("sess-1")
	assert.False(t, ok)

	// sess-2 untouched by sess-1 pops.
	assert.Len(t, q.Status("sess-2"), 1)
}

func TestPromptQueueStatusIsACopy(t *testing.T) {
	q := NewPromptQueue()
	q.Enqueue("sess-1", v1.PromptRequest{Prompt: "original"})

	snapshot := q.Status("sess-1")
	require.Len(t, snapshot, 1)
	snapshot[0].Request.Prompt = "mutated"

	fresh := q.Status("sess-1")
	assert.Equal(t, "original", fresh[0].Request.Prompt)
}

func TestPromptQueueReplace(t *testing.T) {
	q := NewPromptQueue()
	q.Enqueue("sess-1", v1.PromptRequest{Prompt: "first"})
	q.Enqueue("sess-1", v1.PromptRequest{Prompt: "second"})

	entry := q.Replace("sess-1", v1.PromptRequest{Prompt: "replacement"})
	assert.Equal(t, "replacement", entry.Request.Prompt)

	queued := q.Status("sess-1")
	require.Len(t, queued, 1)
	assert.Equal(t, "replacement", queued[0].Request.Prompt)
}

func TestPromptQueueCancel(t *testing.T) {
	q := NewPromptQueue()
	q.Enqueue("sess-1", v1.PromptRequest{Prompt: "first"})
	q.Enqueue("sess-1", v1.PromptRequest{Prompt: "second"})

	assert.Equal(t, 2, q.Cancel("sess-1"))
	assert.Empty(t, q.Status("sess-1"))
	assert.Equal(t, 0, q.Cancel("sess-1"))
}

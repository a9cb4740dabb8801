package daemon

import (
	"sync"
	"time"

	"github.com/agor/agor/internal/common/ids"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// QueuedPrompt is one prompt waiting for the session's active task to
// finish.
type QueuedPrompt struct {
	ID       string           `json:"id"`
	Request  v1.PromptRequest `json:"request"`
	QueuedAt time.Time        `json:"queued_at"`
}

// PromptQueue holds per-session FIFO queues of prompts submitted while a
// task was already active. Purely in-memory: a queued prompt that the
// daemon loses on restart was never acknowledged as a task.
type PromptQueue struct {
	mu     sync.Mutex
	queues map[string][]QueuedPrompt
}

// NewPromptQueue creates an empty prompt queue.
func NewPromptQueue() *PromptQueue {
	return &PromptQueue{queues: make(map[string][]QueuedPrompt)}
}

// Enqueue appends a prompt to the session's queue and returns its entry.
func (q *PromptQueue) Enqueue(sessionID string, req v1.PromptRequest) QueuedPrompt {
	entry := QueuedPrompt{
		ID:       ids.New(),
		Request:  req,
		QueuedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[sessionID] = append(q.queues[sessionID], entry)
	return entry
}

// Pop removes and returns the oldest queued prompt, or false when empty.
func (q *PromptQueue) Pop(sessionID string) (QueuedPrompt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[sessionID]
	if len(queue) == 0 {
		return QueuedPrompt{}, false
	}
	entry := queue[0]
	if len(queue) == 1 {
		delete(q.queues, sessionID)
	} else {
		q.queues[sessionID] = queue[1:]
	}
	return entry, true
}

// Status returns a copy of the session's queue in order.
func (q *PromptQueue) Status(sessionID string) []QueuedPrompt {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[sessionID]
	out := make([]QueuedPrompt, len(queue))
	copy(out, queue)
	return out
}

// Replace swaps the session's queue for a single new prompt. Used by the
// "type over the queued prompt" flow.
func (q *PromptQueue) Replace(sessionID string, req v1.PromptRequest) QueuedPrompt {
	entry := QueuedPrompt{
		ID:       ids.New(),
		Request:  req,
		QueuedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[sessionID] = []QueuedPrompt{entry}
	return entry
}

// Cancel drops all queued prompts for the session and reports how many
// were removed.
func (q *PromptQueue) Cancel(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.queues[sessionID])
	delete(q.queues, sessionID)
	return n
}

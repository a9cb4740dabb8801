package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/agor/agor/internal/common/ids"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// Memory is an in-memory Repository used by tests and by the daemon when no
// database is configured. All methods deep-copy on the way in and out so
// callers never share mutable state with the store.
type Memory struct {
	mu        sync.RWMutex
	sessions  map[string]*v1.Session
	tasks     map[string]*v1.Task
	messages  map[string]*v1.Message
	mcp       map[string]MCPServerLink // key: scope|scopeRef|id
	worktrees map[string]*v1.Worktree
	owners    map[string][]*v1.WorktreeOwner
	boards    map[string]*v1.Board
	comments  map[string]*v1.BoardComment
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[string]*v1.Session),
		tasks:     make(map[string]*v1.Task),
		messages:  make(map[string]*v1.Message),
		mcp:       make(map[string]MCPServerLink),
		worktrees: make(map[string]*v1.Worktree),
		owners:    make(map[string][]*v1.WorktreeOwner),
		boards:    make(map[string]*v1.Board),
		comments:  make(map[string]*v1.BoardComment),
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func deepCopy[T any](src *T) *T {
	if src == nil {
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	dst := new(T)
	if err := json.Unmarshal(data, dst); err != nil {
		panic(err)
	}
	return dst
}

// Sessions

func (m *Memory) CreateSession(_ context.Context, session *v1.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == "" {
		session.ID = ids.New()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastUpdated.IsZero() {
		session.LastUpdated = now
	}
	if session.Status == "" {
		session.Status = v1.SessionStatusIdle
	}
	m.sessions[session.ID] = deepCopy(session)
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*v1.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := deepCopy(session)
	out.ReadyForPrompt = out.Status == v1.SessionStatusIdle
	return out, nil
}

func (m *Memory) UpdateSession(_ context.Context, session *v1.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	session.LastUpdated = time.Now().UTC()
	m.sessions[session.ID] = deepCopy(session)
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	for taskID, task := range m.tasks {
		if task.SessionID == id {
			delete(m.tasks, taskID)
		}
	}
	for msgID, msg := range m.messages {
		if msg.SessionID == id {
			delete(m.messages, msgID)
		}
	}
	for key, link := range m.mcp {
		if link.Scope == MCPScopeSession && link.ScopeRef == id {
			delete(m.mcp, key)
		}
	}
	return nil
}

func (m *Memory) ListSessions(_ context.Context, filter v1.FindSessionsRequest) ([]*v1.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*v1.Session
	for _, session := range m.sessions {
		if filter.WorktreeID != nil && (session.WorktreeID == nil || *session.WorktreeID != *filter.WorktreeID) {
			continue
		}
		if filter.Status != nil && session.Status != *filter.Status {
			continue
		}
		if filter.AgenticTool != nil && session.AgenticTool != *filter.AgenticTool {
			continue
		}
		if filter.Archived != nil && session.Archived != *filter.Archived {
			continue
		}
		if filter.CreatedBy != nil && session.CreatedBy != *filter.CreatedBy {
			continue
		}
		out := deepCopy(session)
		out.ReadyForPrompt = out.Status == v1.SessionStatusIdle
		result = append(result, out)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Tasks

func (m *Memory) CreateTask(_ context.Context, task *v1.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = ids.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusQueued
	}
	m.tasks[task.ID] = deepCopy(task)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return deepCopy(task), nil
}

func (m *Memory) UpdateTask(_ context.Context, task *v1.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tasks[task.ID]
	if !ok {
		return ErrTaskNotFound
	}
	if existing.NormalizedSdkResponse != nil {
		if task.NormalizedSdkResponse != nil {
			prev, _ := json.Marshal(existing.NormalizedSdkResponse)
			next, _ := json.Marshal(task.NormalizedSdkResponse)
			if string(prev) != string(next) {
				return ErrNormalizedImmutable
			}
		}
		task.NormalizedSdkResponse = deepCopy(existing.NormalizedSdkResponse)
	}
	m.tasks[task.ID] = deepCopy(task)
	return nil
}

func (m *Memory) ListTasks(_ context.Context, filter v1.FindTasksRequest) ([]*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*v1.Task
	for _, task := range m.tasks {
		if filter.SessionID != nil && task.SessionID != *filter.SessionID {
			continue
		}
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		result = append(result, deepCopy(task))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *Memory) ActiveTask(_ context.Context, sessionID string) (*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active *v1.Task
	for _, task := range m.tasks {
		if task.SessionID != sessionID || task.Status.Terminal() {
			continue
		}
		if active == nil || task.CreatedAt.After(active.CreatedAt) {
			active = task
		}
	}
	if active == nil {
		return nil, nil
	}
	return deepCopy(active), nil
}

func (m *Memory) CompletedTasks(_ context.Context, sessionID string, limit int) ([]*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*v1.Task
	for _, task := range m.tasks {
		if task.SessionID == sessionID && task.Status == v1.TaskStatusCompleted {
			result = append(result, deepCopy(task))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Messages

func (m *Memory) CreateMessage(_ context.Context, message *v1.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if message.ID == "" {
		message.ID = ids.New()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	for _, existing := range m.messages {
		if existing.SessionID == message.SessionID && existing.Index == message.Index {
			return ErrDuplicateIndex
		}
	}
	m.messages[message.ID] = deepCopy(message)
	return nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (*v1.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	message, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return deepCopy(message), nil
}

func (m *Memory) UpdateMessage(_ context.Context, message *v1.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.messages[message.ID]
	if !ok {
		return ErrMessageNotFound
	}
	updated := deepCopy(existing)
	updated.Content = message.Content
	updated.ContentPreview = message.ContentPreview
	updated.ToolUses = message.ToolUses
	updated.Metadata = message.Metadata
	m.messages[message.ID] = deepCopy(updated)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, filter v1.FindMessagesRequest) ([]*v1.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*v1.Message
	for _, message := range m.messages {
		if message.SessionID != filter.SessionID {
			continue
		}
		if filter.AfterIndex != nil && message.Index <= *filter.AfterIndex {
			continue
		}
		result = append(result, deepCopy(message))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Index < result[j].Index
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *Memory) MaxMessageIndex(_ context.Context, sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := int64(-1)
	for _, message := range m.messages {
		if message.SessionID == sessionID && message.Index > max {
			max = message.Index
		}
	}
	return max, nil
}

// MCP links

func mcpKey(scope MCPScope, scopeRef, id string) string {
	return string(scope) + "|" + scopeRef + "|" + id
}

func (m *Memory) AddMCPServer(_ context.Context, link MCPServerLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mcpKey(link.Scope, link.ScopeRef, link.Server.ID)
	if _, ok := m.mcp[key]; ok {
		return ErrDuplicateMCPServer
	}
	if link.Server.CreatedAt.IsZero() {
		link.Server.CreatedAt = time.Now().UTC()
	}
	m.mcp[key] = link
	return nil
}

func (m *Memory) RemoveMCPServer(_ context.Context, scope MCPScope, scopeRef, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mcp, mcpKey(scope, scopeRef, serverID))
	return nil
}

func (m *Memory) ListMCPServers(_ context.Context, scope MCPScope, scopeRef string) ([]MCPServerLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []MCPServerLink
	for _, link := range m.mcp {
		if link.Scope == scope && link.ScopeRef == scopeRef {
			result = append(result, link)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Server.CreatedAt.Before(result[j].Server.CreatedAt)
	})
	return result, nil
}

func (m *Memory) LatestMCPServerAddition(_ context.Context, sessionID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest time.Time
	for _, link := range m.mcp {
		if link.Scope == MCPScopeSession && link.ScopeRef == sessionID &&
			link.Server.CreatedAt.After(latest) {
			latest = link.Server.CreatedAt
		}
	}
	return latest, nil
}

// Worktrees

func (m *Memory) CreateWorktree(_ context.Context, wt *v1.Worktree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wt.ID == "" {
		wt.ID = ids.New()
	}
	now := time.Now().UTC()
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = now
	}
	wt.UpdatedAt = now
	m.worktrees[wt.ID] = deepCopy(wt)
	return nil
}

func (m *Memory) GetWorktree(_ context.Context, id string) (*v1.Worktree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wt, ok := m.worktrees[id]
	if !ok {
		return nil, ErrWorktreeNotFound
	}
	out := deepCopy(wt)
	for _, owner := range m.owners[id] {
		out.Owners = append(out.Owners, owner.UserID)
	}
	return out, nil
}

func (m *Memory) UpdateWorktree(_ context.Context, wt *v1.Worktree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.worktrees[wt.ID]; !ok {
		return ErrWorktreeNotFound
	}
	wt.UpdatedAt = time.Now().UTC()
	m.worktrees[wt.ID] = deepCopy(wt)
	return nil
}

func (m *Memory) DeleteWorktree(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.worktrees[id]; !ok {
		return ErrWorktreeNotFound
	}
	delete(m.worktrees, id)
	delete(m.owners, id)
	return nil
}

func (m *Memory) ListWorktrees(_ context.Context, boardID string) ([]*v1.Worktree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*v1.Worktree
	for _, wt := range m.worktrees {
		if boardID != "" && wt.BoardID != boardID {
			continue
		}
		result = append(result, deepCopy(wt))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) ListWorktreeOwners(_ context.Context, worktreeID string) ([]*v1.WorktreeOwner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*v1.WorktreeOwner
	for _, owner := range m.owners[worktreeID] {
		result = append(result, deepCopy(owner))
	}
	return result, nil
}

func (m *Memory) AddWorktreeOwner(_ context.Context, owner *v1.WorktreeOwner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.owners[owner.WorktreeID] {
		if existing.UserID == owner.UserID {
			return nil
		}
	}
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = time.Now().UTC()
	}
	m.owners[owner.WorktreeID] = append(m.owners[owner.WorktreeID], deepCopy(owner))
	return nil
}

func (m *Memory) RemoveWorktreeOwner(_ context.Context, worktreeID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners := m.owners[worktreeID]
	for i, owner := range owners {
		if owner.UserID == userID {
			m.owners[worktreeID] = append(owners[:i], owners[i+1:]...)
			return nil
		}
	}
	return nil
}

// Boards and comments

func (m *Memory) CreateBoard(_ context.Context, board *v1.Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if board.ID == "" {
		board.ID = ids.New()
	}
	now := time.Now().UTC()
	if board.CreatedAt.IsZero() {
		board.CreatedAt = now
	}
	board.UpdatedAt = now
	m.boards[board.ID] = deepCopy(board)
	return nil
}

func (m *Memory) GetBoard(_ context.Context, id string) (*v1.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	board, ok := m.boards[id]
	if !ok {
		return nil, ErrBoardNotFound
	}
	return deepCopy(board), nil
}

func (m *Memory) CreateComment(_ context.Context, comment *v1.BoardComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if comment.ID == "" {
		comment.ID = ids.New()
	}
	now := time.Now().UTC()
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = now
	}
	comment.UpdatedAt = now
	m.comments[comment.ID] = deepCopy(comment)
	return nil
}

func (m *Memory) GetComment(_ context.Context, id string) (*v1.BoardComment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	comment, ok := m.comments[id]
	if !ok {
		return nil, ErrCommentNotFound
	}
	return deepCopy(comment), nil
}

func (m *Memory) UpdateComment(_ context.Context, comment *v1.BoardComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[comment.ID]; !ok {
		return ErrCommentNotFound
	}
	comment.UpdatedAt = time.Now().UTC()
	m.comments[comment.ID] = deepCopy(comment)
	return nil
}

func (m *Memory) ListComments(_ context.Context, boardID string) ([]*v1.BoardComment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*v1.BoardComment
	for _, comment := range m.comments {
		if comment.BoardID == boardID {
			result = append(result, deepCopy(comment))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Package repository provides persistence for sessions, tasks, messages,
// worktrees, boards, and MCP server links. Implementations: a SQL store
// (SQLite or PostgreSQL through the shared db pool) and an in-memory store
// used by tests.
package repository

import (
	"context"
	"errors"
	"time"

	v1 "github.com/agor/agor/pkg/api/v1"
)

var (
	// ErrSessionNotFound indicates the session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTaskNotFound indicates the task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrWorktreeNotFound indicates the worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")
	// ErrBoardNotFound indicates the board does not exist.
	ErrBoardNotFound = errors.New("board not found")
	// ErrCommentNotFound indicates the board comment does not exist.
	ErrCommentNotFound = errors.New("board comment not found")
	// ErrNormalizedImmutable rejects overwriting a task's normalized SDK
	// response after it was first written.
	ErrNormalizedImmutable = errors.New("normalized sdk response is immutable once written")
	// ErrDuplicateMCPServer rejects adding an MCP server id that already
	// exists at the same scope.
	ErrDuplicateMCPServer = errors.New("mcp server already registered at this scope")
	// ErrDuplicateIndex indicates a message index collision within a session.
	// Under the single-writer-per-session rule this means a caller bug.
	ErrDuplicateIndex = errors.New("message index already used in session")
)

// MCPScope identifies where an MCP server definition is attached.
type MCPScope string

const (
	MCPScopeGlobal  MCPScope = "global"
	MCPScopeRepo    MCPScope = "repo"
	MCPScopeSession MCPScope = "session"
)

// MCPServerLink is a scoped MCP server registration.
type MCPServerLink struct {
	Scope    MCPScope
	ScopeRef string // worktree id for repo scope, session id for session scope
	Server   v1.MCPServer
}

// Repository is the storage contract the service layer writes through.
// All mutations are row-level; broadcasting is the service's concern.
type Repository interface {
	// Sessions
	CreateSession(ctx context.Context, session *v1.Session) error
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	UpdateSession(ctx context.Context, session *v1.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filter v1.FindSessionsRequest) ([]*v1.Session, error)

	// Tasks
	CreateTask(ctx context.Context, task *v1.Task) error
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	UpdateTask(ctx context.Context, task *v1.Task) error
	ListTasks(ctx context.Context, filter v1.FindTasksRequest) ([]*v1.Task, error)
	// ActiveTask returns the session's task in a non-terminal state, or nil.
	ActiveTask(ctx context.Context, sessionID string) (*v1.Task, error)
	// CompletedTasks returns up to limit completed tasks for the session in
	// chronological (oldest first) order.
	CompletedTasks(ctx context.Context, sessionID string, limit int) ([]*v1.Task, error)

	// Messages
	CreateMessage(ctx context.Context, message *v1.Message) error
	GetMessage(ctx context.Context, id string) (*v1.Message, error)
	UpdateMessage(ctx context.Context, message *v1.Message) error
	ListMessages(ctx context.Context, filter v1.FindMessagesRequest) ([]*v1.Message, error)
	// MaxMessageIndex returns the highest index used in the session, or -1
	// when the session has no messages.
	MaxMessageIndex(ctx context.Context, sessionID string) (int64, error)

	// MCP server links
	AddMCPServer(ctx context.Context, link MCPServerLink) error
	RemoveMCPServer(ctx context.Context, scope MCPScope, scopeRef, serverID string) error
	ListMCPServers(ctx context.Context, scope MCPScope, scopeRef string) ([]MCPServerLink, error)
	// LatestMCPServerAddition returns the most recent created_at among the
	// session's MCP links (zero time when none). Used for resume staleness.
	LatestMCPServerAddition(ctx context.Context, sessionID string) (time.Time, error)

	// Worktrees
	CreateWorktree(ctx context.Context, wt *v1.Worktree) error
	GetWorktree(ctx context.Context, id string) (*v1.Worktree, error)
	UpdateWorktree(ctx context.Context, wt *v1.Worktree) error
	DeleteWorktree(ctx context.Context, id string) error
	ListWorktrees(ctx context.Context, boardID string) ([]*v1.Worktree, error)
	ListWorktreeOwners(ctx context.Context, worktreeID string) ([]*v1.WorktreeOwner, error)
	AddWorktreeOwner(ctx context.Context, owner *v1.WorktreeOwner) error
	RemoveWorktreeOwner(ctx context.Context, worktreeID, userID string) error

	// Boards and comments
	CreateBoard(ctx context.Context, board *v1.Board) error
	GetBoard(ctx context.Context, id string) (*v1.Board, error)
	CreateComment(ctx context.Context, comment *v1.BoardComment) error
	GetComment(ctx context.Context, id string) (*v1.BoardComment, error)
	UpdateComment(ctx context.Context, comment *v1.BoardComment) error
	ListComments(ctx context.Context, boardID string) ([]*v1.BoardComment, error)

	Close() error
}

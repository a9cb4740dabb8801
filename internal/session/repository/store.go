package repository

import (
	"encoding/json"
	"fmt"

	"github.com/agor/agor/internal/db"
)

// Store is the SQL-backed Repository. Writes go through the pool's writer
// connection, reads through the reader pool.
type Store struct {
	pool *db.Pool
}

// NewStore creates a Store on the shared pool and initializes the schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// initSchema creates tables if they don't exist. Idempotent; runs at every
// open so new columns can be added with db.EnsureColumn style migrations.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS boards (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			owner_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			id TEXT PRIMARY KEY,
			board_id TEXT NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worktree_owners (
			worktree_id TEXT NOT NULL REFERENCES worktrees(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (worktree_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			worktree_id TEXT,
			agentic_tool TEXT NOT NULL,
			status TEXT NOT NULL,
			model_config TEXT NOT NULL DEFAULT '{}',
			permission_config TEXT NOT NULL DEFAULT '{}',
			sdk_session_id TEXT,
			mcp_token TEXT NOT NULL DEFAULT '',
			genealogy TEXT NOT NULL DEFAULT '{}',
			archived INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_updated TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			permission_request TEXT,
			raw_sdk_response TEXT,
			normalized_sdk_response TEXT,
			computed_context_window INTEGER,
			error_message TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			task_id TEXT,
			idx INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '[]',
			content_preview TEXT NOT NULL DEFAULT '',
			tool_uses TEXT,
			parent_tool_use_id TEXT,
			metadata TEXT,
			timestamp TIMESTAMP NOT NULL,
			UNIQUE (session_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT NOT NULL,
			scope TEXT NOT NULL,
			scope_ref TEXT NOT NULL DEFAULT '',
			definition TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (id, scope, scope_ref)
		)`,
		`CREATE TABLE IF NOT EXISTS board_comments (
			id TEXT PRIMARY KEY,
			board_id TEXT NOT NULL,
			parent_id TEXT,
			author_id TEXT NOT NULL,
			body TEXT NOT NULL,
			reactions TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_worktree_id ON sessions(worktree_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_idx ON messages(session_id, idx)`,
		`CREATE INDEX IF NOT EXISTS idx_worktrees_board_id ON worktrees(board_id)`,
		`CREATE INDEX IF NOT EXISTS idx_board_comments_board_id ON board_comments(board_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// marshalColumn serializes a JSON column value. Nil maps and slices become
// SQL NULL so optional columns stay queryable with IS NULL.
func marshalColumn(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize column: %w", err)
	}
	str := string(data)
	if str == "null" {
		return nil, nil
	}
	return &str, nil
}

// unmarshalColumn deserializes a nullable JSON column into out.
func unmarshalColumn(raw *string, out any) error {
	if raw == nil || *raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(*raw), out); err != nil {
		return fmt.Errorf("failed to deserialize column: %w", err)
	}
	return nil
}

package websocket

// Request actions (client → daemon).
const (
	ActionHealthCheck = "health.check"

	// Channel membership
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	// Sessions
	ActionSessionCreate  = "session.create"
	ActionSessionGet     = "session.get"
	ActionSessionUpdate  = "session.update"
	ActionSessionDelete  = "session.delete"
	ActionSessionFind    = "session.find"
	ActionSessionFork    = "session.fork"
	ActionSessionSpawn   = "session.spawn"
	ActionSessionArchive = "session.archive"
	ActionSessionPrompt  = "session.prompt"
	// session.allow-tool is used by executors applying an "allow and
	// remember for session" permission decision.
	ActionSessionAllowTool = "session.allow-tool"

	// Tasks
	ActionTaskGet    = "task.get"
	ActionTaskUpdate = "task.update"
	ActionTaskFind   = "task.find"
	ActionTaskStop   = "task.stop"

	// Messages
	ActionMessageCreate = "message.create"
	ActionMessageUpdate = "message.update"
	ActionMessageFind   = "message.find"

	// Worktrees
	ActionWorktreeCreate    = "worktree.create"
	ActionWorktreeGet       = "worktree.get"
	ActionWorktreeUpdate    = "worktree.update"
	ActionWorktreeArchive   = "worktree.archive"
	ActionWorktreeUnarchive = "worktree.unarchive"
	ActionWorktreeDelete    = "worktree.delete"
	ActionWorktreeFind      = "worktree.find"

	// Worktree owners
	ActionOwnerFind   = "worktree.owner.find"
	ActionOwnerCreate = "worktree.owner.create"
	ActionOwnerRemove = "worktree.owner.remove"

	// Session ↔ MCP server links
	ActionSessionMCPCreate = "session.mcp.create"
	ActionSessionMCPRemove = "session.mcp.remove"
	ActionSessionMCPList   = "session.mcp.list"

	// Permission arbitration. permission.request is sent by executors when a
	// tool call hits a gate; decide and list serve the human side.
	ActionPermissionRequest = "permission.request"
	ActionPermissionDecide  = "permission.decide"
	ActionPermissionList    = "permission.list"

	// Boards and comments
	ActionBoardCreate        = "board.create"
	ActionBoardGet           = "board.get"
	ActionBoardCommentCreate = "board.comment.create"
	ActionBoardCommentReply  = "board.comment.reply"
	ActionBoardCommentReact  = "board.comment.toggle-reaction"
	ActionBoardCommentFind   = "board.comment.find"

	// Prompt queue
	ActionQueueStatus  = "queue.status"
	ActionQueueReplace = "queue.replace"
	ActionQueueCancel  = "queue.cancel"

	// Secrets
	ActionSecretList   = "secret.list"
	ActionSecretCreate = "secret.create"
	ActionSecretUpdate = "secret.update"
	ActionSecretDelete = "secret.delete"
	ActionSecretReveal = "secret.reveal"
)

// Notification actions (daemon → clients and executors).
const (
	NotifySessionCreated  = "session.created"
	NotifySessionUpdated  = "session.updated"
	NotifySessionDeleted  = "session.deleted"
	NotifyTaskCreated     = "task.created"
	NotifyTaskUpdated     = "task.updated"
	NotifyTaskStop        = "task_stop"
	NotifyTaskStopAck     = "task_stop_ack"
	NotifyMessageCreated  = "message.created"
	NotifyMessageUpdated  = "message.updated"
	NotifyPermissionAsked = "permission.requested"
	NotifyPermissionDone  = "permission.resolved"
	NotifyWorktreeUpdated = "worktree.updated"
	NotifyBoardComment    = "board.comment.updated"
	NotifyAgentStream     = "agent.stream"
)

// Error codes carried in ErrorPayload.Code.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeConflict      = "CONFLICT"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

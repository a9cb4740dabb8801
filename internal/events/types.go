// Package events provides event types and utilities for the Agor event system.
package events

// Event types for sessions
const (
	SessionCreated  = "session.created"
	SessionUpdated  = "session.updated"
	SessionDeleted  = "session.deleted"
	SessionArchived = "session.archived"
)

// Event types for tasks
const (
	TaskCreated = "task.created"
	TaskUpdated = "task.updated"
)

// Event types for messages
const (
	MessageCreated = "message.created"
	MessageUpdated = "message.updated"
)

// Event types for permission arbitration
const (
	PermissionRequested = "permission.requested"
	PermissionResolved  = "permission.resolved"
)

// Event types for worktrees
const (
	WorktreeCreated  = "worktree.created"
	WorktreeUpdated  = "worktree.updated"
	WorktreeArchived = "worktree.archived"
	WorktreeDeleted  = "worktree.deleted"
)

// Event types for board comments
const (
	BoardCommentCreated = "board.comment.created"
	BoardCommentUpdated = "board.comment.updated"
	BoardCommentDeleted = "board.comment.deleted"
)

// Event types for agent output streaming
const (
	AgentStream = "agent.stream" // Base subject for per-session agent stream events
)

// Event types for task interruption
const (
	TaskStop    = "task.stop"     // Stop request fanned out to the running executor
	TaskStopAck = "task.stop_ack" // Executor acknowledgment, keyed by stop sequence
)

// Event types for executor lifecycle
const (
	ExecutorRegistered   = "executor.registered"
	ExecutorDisconnected = "executor.disconnected"
)

// SessionChannel returns the gateway room name for a session's lifecycle
// and stream events.
func SessionChannel(sessionID string) string {
	return "sessions:" + sessionID
}

// MessagesChannel returns the gateway room name for a session's transcript.
func MessagesChannel(sessionID string) string {
	return "messages:" + sessionID
}

// TaskChannel returns the gateway room name for a single task.
func TaskChannel(taskID string) string {
	return "tasks:" + taskID
}

// BoardChannel returns the gateway room name for a board's worktrees and
// comments.
func BoardChannel(boardID string) string {
	return "boards:" + boardID
}

// BuildAgentStreamSubject creates an agent stream subject for a specific session
func BuildAgentStreamSubject(sessionID string) string {
	return AgentStream + "." + sessionID
}

// BuildAgentStreamWildcardSubject creates a wildcard subscription for all agent stream events
func BuildAgentStreamWildcardSubject() string {
	return AgentStream + ".*"
}

// BuildTaskStopSubject creates a stop subject for a specific session
func BuildTaskStopSubject(sessionID string) string {
	return TaskStop + "." + sessionID
}

// BuildTaskStopAckSubject creates a stop acknowledgment subject for a specific session
func BuildTaskStopAckSubject(sessionID string) string {
	return TaskStopAck + "." + sessionID
}

// BuildPermissionRequestSubject creates a permission request subject for a specific session
func BuildPermissionRequestSubject(sessionID string) string {
	return PermissionRequested + "." + sessionID
}

// BuildPermissionRequestWildcardSubject creates a wildcard subscription for all permission request events
func BuildPermissionRequestWildcardSubject() string {
	return PermissionRequested + ".*"
}

// BuildPermissionResolvedSubject creates a permission resolution subject for a specific session
func BuildPermissionResolvedSubject(sessionID string) string {
	return PermissionResolved + "." + sessionID
}

// BuildPermissionResolvedWildcardSubject creates a wildcard subscription for all permission resolution events
func BuildPermissionResolvedWildcardSubject() string {
	return PermissionResolved + ".*"
}

package v1

import "time"

// TaskStatus represents the state of a prompt execution attempt.
type TaskStatus string

const (
	TaskStatusQueued             TaskStatus = "queued"
	TaskStatusRunning            TaskStatus = "running"
	TaskStatusAwaitingPermission TaskStatus = "awaiting_permission"
	TaskStatusCompleted          TaskStatus = "completed"
	TaskStatusFailed             TaskStatus = "failed"
	TaskStatusCancelled          TaskStatus = "cancelled"
	TaskStatusStopped            TaskStatus = "stopped"
)

// Terminal reports whether the status is an end state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusStopped:
		return true
	}
	return false
}

// TokenUsage is the normalized per-turn token accounting.
type TokenUsage struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	TotalTokens         int64 `json:"totalTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens"`
}

// NormalizedSdkData is the vendor-independent accounting extracted from a
// raw SDK result. Once persisted on a task it is immutable.
type NormalizedSdkData struct {
	TokenUsage         TokenUsage `json:"tokenUsage"`
	ContextWindowLimit int64      `json:"contextWindowLimit"`
	CostUSD            *float64   `json:"costUsd,omitempty"`
	PrimaryModel       *string    `json:"primaryModel,omitempty"`
	DurationMs         *int64     `json:"durationMs,omitempty"`
}

// Task is one prompt→completion attempt within a session.
type Task struct {
	ID                    string                 `json:"id"`
	SessionID             string                 `json:"session_id"`
	Status                TaskStatus             `json:"status"`
	Prompt                string                 `json:"prompt"`
	Model                 string                 `json:"model,omitempty"`
	PermissionRequest     *PermissionRequest     `json:"permission_request,omitempty"`
	RawSdkResponse        map[string]interface{} `json:"raw_sdk_response,omitempty"`
	NormalizedSdkResponse *NormalizedSdkData     `json:"normalized_sdk_response,omitempty"`
	ComputedContextWindow *int64                 `json:"computed_context_window,omitempty"`
	ErrorMessage          string                 `json:"error_message,omitempty"`
	CreatedBy             string                 `json:"created_by"`
	CreatedAt             time.Time              `json:"created_at"`
	CompletedAt           *time.Time             `json:"completed_at,omitempty"`
}

// UpdateTaskRequest patches an existing task. Nil fields are untouched.
type UpdateTaskRequest struct {
	Status                *TaskStatus            `json:"status,omitempty"`
	PermissionRequest     *PermissionRequest     `json:"permission_request,omitempty"`
	ClearPermission       bool                   `json:"clear_permission,omitempty"`
	RawSdkResponse        map[string]interface{} `json:"raw_sdk_response,omitempty"`
	NormalizedSdkResponse *NormalizedSdkData     `json:"normalized_sdk_response,omitempty"`
	ComputedContextWindow *int64                 `json:"computed_context_window,omitempty"`
	ErrorMessage          *string                `json:"error_message,omitempty"`
}

// FindTasksRequest filters task listings.
type FindTasksRequest struct {
	SessionID *string     `json:"session_id,omitempty"`
	Status    *TaskStatus `json:"status,omitempty"`
	Limit     int         `json:"limit,omitempty"`
}

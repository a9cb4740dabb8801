package executor

import (
	"context"
	"sort"

	agentevents "github.com/agor/agor/internal/agent/events"
	v1 "github.com/agor/agor/pkg/api/v1"
	ws "github.com/agor/agor/pkg/websocket"
)

// Caller is the RPC surface the API needs; satisfied by *Client.
type Caller interface {
	Call(ctx context.Context, action string, payload, out interface{}) error
	Notify(action string, payload interface{}) error
}

// DaemonAPI is the typed view of the daemon RPC surface the runtime works
// against. It satisfies the permission arbiter's Control interface and the
// normalizer's Store interface, so both gate decisions and token
// accounting flow through the daemon.
type DaemonAPI struct {
	caller Caller
}

// NewDaemonAPI wraps an RPC caller.
func NewDaemonAPI(caller Caller) *DaemonAPI {
	return &DaemonAPI{caller: caller}
}

func (a *DaemonAPI) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	var session v1.Session
	if err := a.caller.Call(ctx, ws.ActionSessionGet, map[string]string{"id": id}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (a *DaemonAPI) UpdateSession(ctx context.Context, id string, req v1.UpdateSessionRequest) (*v1.Session, error) {
	payload := struct {
		ID string `json:"id"`
		v1.UpdateSessionRequest
	}{ID: id, UpdateSessionRequest: req}

	var session v1.Session
	if err := a.caller.Call(ctx, ws.ActionSessionUpdate, payload, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (a *DaemonAPI) UpdateTask(ctx context.Context, taskID string, req v1.UpdateTaskRequest) (*v1.Task, error) {
	payload := struct {
		ID string `json:"id"`
		v1.UpdateTaskRequest
	}{ID: taskID, UpdateTaskRequest: req}

	var task v1.Task
	if err := a.caller.Call(ctx, ws.ActionTaskUpdate, payload, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (a *DaemonAPI) RequestPermission(ctx context.Context, req *v1.PermissionRequest) (*v1.PermissionRequest, error) {
	var recorded v1.PermissionRequest
	if err := a.caller.Call(ctx, ws.ActionPermissionRequest, req, &recorded); err != nil {
		return nil, err
	}
	return &recorded, nil
}

func (a *DaemonAPI) AddAllowedTool(ctx context.Context, sessionID, toolName string) (*v1.Session, error) {
	payload := map[string]string{"session_id": sessionID, "tool_name": toolName}
	var session v1.Session
	if err := a.caller.Call(ctx, ws.ActionSessionAllowTool, payload, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (a *DaemonAPI) CreateMessage(ctx context.Context, req v1.CreateMessageRequest) (*v1.Message, error) {
	var message v1.Message
	if err := a.caller.Call(ctx, ws.ActionMessageCreate, req, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (a *DaemonAPI) UpdateMessage(ctx context.Context, id string, content []v1.ContentBlock, toolUses []string, metadata *v1.MessageMetadata) (*v1.Message, error) {
	payload := struct {
		ID       string              `json:"id"`
		Content  []v1.ContentBlock   `json:"content"`
		ToolUses []string            `json:"tool_uses,omitempty"`
		Metadata *v1.MessageMetadata `json:"metadata,omitempty"`
	}{ID: id, Content: content, ToolUses: toolUses, Metadata: metadata}

	var message v1.Message
	if err := a.caller.Call(ctx, ws.ActionMessageUpdate, payload, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (a *DaemonAPI) FindMessages(ctx context.Context, filter v1.FindMessagesRequest) ([]*v1.Message, error) {
	var messages []*v1.Message
	if err := a.caller.Call(ctx, ws.ActionMessageFind, filter, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// CompletedTasks lists the session's completed tasks oldest-first, as the
// normalizer's cumulative scan expects.
func (a *DaemonAPI) CompletedTasks(ctx context.Context, sessionID string, limit int) ([]*v1.Task, error) {
	status := v1.TaskStatusCompleted
	filter := v1.FindTasksRequest{SessionID: &sessionID, Status: &status, Limit: limit}

	var tasks []*v1.Task
	if err := a.caller.Call(ctx, ws.ActionTaskFind, filter, &tasks); err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (a *DaemonAPI) SessionMCPServers(ctx context.Context, sessionID string) ([]v1.MCPServer, error) {
	var servers []v1.MCPServer
	if err := a.caller.Call(ctx, ws.ActionSessionMCPList, map[string]string{"session_id": sessionID}, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// AckStop acknowledges a stop request with the sequence it answers.
func (a *DaemonAPI) AckStop(ctx context.Context, sessionID, taskID string, sequence int64) error {
	return a.caller.Call(ctx, ws.NotifyTaskStopAck, map[string]interface{}{
		"session_id": sessionID,
		"task_id":    taskID,
		"sequence":   sequence,
	}, nil)
}

// StreamEvent forwards one driver event for realtime fanout. Best-effort:
// stream frames carry no durable state.
func (a *DaemonAPI) StreamEvent(sessionID, taskID string, event agentevents.ProcessedEvent) error {
	payload := struct {
		SessionID string `json:"session_id"`
		TaskID    string `json:"task_id"`
		agentevents.ProcessedEvent
	}{SessionID: sessionID, TaskID: taskID, ProcessedEvent: event}
	return a.caller.Notify(ws.NotifyAgentStream, payload)
}

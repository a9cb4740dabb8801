package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	v1 "github.com/agor/agor/pkg/api/v1"
)

type fakeControl struct {
	mu          sync.Mutex
	requests    []*v1.PermissionRequest
	taskPatches []v1.UpdateTaskRequest
	allowed     []string
	requestErr  error
	addErr      error
	onRequest   func(recorded *v1.PermissionRequest)
}

func (f *fakeControl) RequestPermission(_ context.Context, req *v1.PermissionRequest) (*v1.PermissionRequest, error) {
	f.mu.Lock()
	if f.requestErr != nil {
		defer f.mu.Unlock()
		return nil, f.requestErr
	}
	recorded := *req
	recorded.RequestID = fmt.Sprintf("req-%d", len(f.requests)+1)
	recorded.RequestedAt = time.Now()
	f.requests = append(f.requests, &recorded)
	onRequest := f.onRequest
	f.mu.Unlock()

	if onRequest != nil {
		go onRequest(&recorded)
	}
	return &recorded, nil
}

func (f *fakeControl) UpdateTask(_ context.Context, _ string, req v1.UpdateTaskRequest) (*v1.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskPatches = append(f.taskPatches, req)
	return &v1.Task{}, nil
}

func (f *fakeControl) AddAllowedTool(_ context.Context, sessionID, toolName string) (*v1.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	if !slices.Contains(f.allowed, toolName) {
		f.allowed = append(f.allowed, toolName)
	}
	return &v1.Session{
		ID:               sessionID,
		PermissionConfig: v1.PermissionConfig{Mode: v1.PermissionModeDefault, AllowedTools: slices.Clone(f.allowed)},
	}, nil
}

func (f *fakeControl) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeControl) lastPatch() v1.UpdateTaskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taskPatches[len(f.taskPatches)-1]
}

func testSession(mode v1.PermissionMode, allowed ...string) *v1.Session {
	return &v1.Session{
		ID:               "sess-1",
		PermissionConfig: v1.PermissionConfig{Mode: mode, AllowedTools: allowed},
	}
}

func bashRequest() ToolRequest {
	return ToolRequest{
		SessionID: "sess-1",
		TaskID:    "task-1",
		ToolName:  "Bash",
		ToolUseID: "toolu_01",
		ToolInput: map[string]interface{}{"command": "ls"},
	}
}

func TestGateAutoPaths(t *testing.T) {
	logger := zap.NewNop()

	t.Run("bypass mode allows without asking", func(t *testing.T) {
		ctl := &fakeControl{}
		a := New(ctl, testSession(v1.PermissionModeBypass), "", logger)
		decision, err := a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionAllow, decision.Behavior)
		assert.Zero(t, ctl.requestCount())
	})

	t.Run("allowed tool skips the ask", func(t *testing.T) {
		ctl := &fakeControl{}
		a := New(ctl, testSession(v1.PermissionModeDefault, "Bash"), "", logger)
		decision, err := a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionAllow, decision.Behavior)
		assert.Zero(t, ctl.requestCount())
	})

	t.Run("blocked tool denies without asking", func(t *testing.T) {
		ctl := &fakeControl{}
		a := New(ctl, testSession(v1.PermissionModeDefault), "", logger, WithBlockedTools([]string{"Bash"}))
		decision, err := a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionDeny, decision.Behavior)
		assert.Zero(t, ctl.requestCount())
	})

	t.Run("acceptEdits auto-allows edit tools only", func(t *testing.T) {
		ctl := &fakeControl{}
		a := New(ctl, testSession(v1.PermissionModeAcceptEdits), "", logger)
		decision, err := a.Gate(context.Background(), ToolRequest{
			SessionID: "sess-1", TaskID: "task-1", ToolName: "Edit",
		})
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionAllow, decision.Behavior)
		assert.Zero(t, ctl.requestCount())
	})
}

func TestGateAskFlow(t *testing.T) {
	logger := zap.NewNop()

	t.Run("allow once resolves the gate and resumes the task", func(t *testing.T) {
		ctl := &fakeControl{}
		a := New(ctl, testSession(v1.PermissionModeDefault), "", logger)
		ctl.onRequest = func(recorded *v1.PermissionRequest) {
			a.HandleResolved(v1.PermissionDecision{
				RequestID: recorded.RequestID,
				Behavior:  v1.PermissionAllow,
				Scope:     v1.PermissionScopeOnce,
				DecidedBy: "user-1",
			})
		}

		decision, err := a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionAllow, decision.Behavior)
		assert.Equal(t, 1, ctl.requestCount())

		patch := ctl.lastPatch()
		require.NotNil(t, patch.Status)
		assert.Equal(t, v1.TaskStatusRunning, *patch.Status)
		assert.True(t, patch.ClearPermission)

		// once-scope does not persist: a second call asks again
		decision, err = a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionAllow, decision.Behavior)
		assert.Equal(t, 2, ctl.requestCount())
	})

	t.Run("remember at session scope suppresses the next ask", func(t *testing.T) {
		ctl := &fakeControl{}
		a := New(ctl, testSession(v1.PermissionModeDefault), "", logger)
		ctl.onRequest = func(recorded *v1.PermissionRequest) {
			a.HandleResolved(v1.PermissionDecision{
				RequestID: recorded.RequestID,
				Behavior:  v1.PermissionAllow,
				Scope:     v1.PermissionScopeSession,
				DecidedBy: "user-1",
			})
		}

		decision, err := a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionAllow, decision.Behavior)
		assert.Equal(t, 1, ctl.requestCount())
		assert.Contains(t, ctl.allowed, "Bash")

		decision, err = a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionAllow, decision.Behavior)
		assert.Equal(t, 1, ctl.requestCount(), "second call must not emit a request")
	})

	t.Run("deny passes the reason through and keeps the task running", func(t *testing.T) {
		ctl := &fakeControl{}
		a := New(ctl, testSession(v1.PermissionModeDefault), "", logger)
		ctl.onRequest = func(recorded *v1.PermissionRequest) {
			a.HandleResolved(v1.PermissionDecision{
				RequestID: recorded.RequestID,
				Behavior:  v1.PermissionDeny,
				DecidedBy: "user-1",
				Reason:    "not on my machine",
			})
		}

		decision, err := a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionDeny, decision.Behavior)
		assert.Equal(t, "not on my machine", decision.Reason)

		patch := ctl.lastPatch()
		require.NotNil(t, patch.Status)
		assert.Equal(t, v1.TaskStatusRunning, *patch.Status)
	})

	t.Run("session persistence failure denies and fails the task", func(t *testing.T) {
		ctl := &fakeControl{addErr: errors.New("db gone")}
		a := New(ctl, testSession(v1.PermissionModeDefault), "", logger)
		ctl.onRequest = func(recorded *v1.PermissionRequest) {
			a.HandleResolved(v1.PermissionDecision{
				RequestID: recorded.RequestID,
				Behavior:  v1.PermissionAllow,
				Scope:     v1.PermissionScopeSession,
				DecidedBy: "user-1",
			})
		}

		decision, err := a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionDeny, decision.Behavior)

		patch := ctl.lastPatch()
		require.NotNil(t, patch.Status)
		assert.Equal(t, v1.TaskStatusFailed, *patch.Status)
		require.NotNil(t, patch.ErrorMessage)
	})

	t.Run("cancellation aborts the gate", func(t *testing.T) {
		ctl := &fakeControl{}
		a := New(ctl, testSession(v1.PermissionModeDefault), "", logger)
		ctx, cancel := context.WithCancel(context.Background())
		ctl.onRequest = func(*v1.PermissionRequest) { cancel() }

		decision, err := a.Gate(ctx, bashRequest())
		require.ErrorIs(t, err, ErrAborted)
		assert.Equal(t, v1.PermissionDeny, decision.Behavior)
	})

	t.Run("armed timeout fails the task", func(t *testing.T) {
		ctl := &fakeControl{}
		a := New(ctl, testSession(v1.PermissionModeDefault), "", logger, WithTimeout(10*time.Millisecond))

		decision, err := a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionDeny, decision.Behavior)

		patch := ctl.lastPatch()
		require.NotNil(t, patch.Status)
		assert.Equal(t, v1.TaskStatusFailed, *patch.Status)
	})

	t.Run("project scope writes the worktree settings file", func(t *testing.T) {
		worktree := t.TempDir()
		ctl := &fakeControl{}
		a := New(ctl, testSession(v1.PermissionModeDefault), worktree, logger)
		ctl.onRequest = func(recorded *v1.PermissionRequest) {
			a.HandleResolved(v1.PermissionDecision{
				RequestID: recorded.RequestID,
				Behavior:  v1.PermissionAllow,
				Scope:     v1.PermissionScopeProject,
				DecidedBy: "user-1",
			})
		}

		decision, err := a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, v1.PermissionAllow, decision.Behavior)

		tools, err := AllowedTools(worktree)
		require.NoError(t, err)
		assert.Equal(t, []string{"Bash"}, tools)

		// remembered locally too: no second ask
		_, err = a.Gate(context.Background(), bashRequest())
		require.NoError(t, err)
		assert.Equal(t, 1, ctl.requestCount())
	})
}

func TestMergeAllowedTool(t *testing.T) {
	t.Run("creates file and directories", func(t *testing.T) {
		worktree := t.TempDir()
		require.NoError(t, MergeAllowedTool(worktree, "Bash"))

		tools, err := AllowedTools(worktree)
		require.NoError(t, err)
		assert.Equal(t, []string{"Bash"}, tools)
	})

	t.Run("is idempotent and preserves unknown fields", func(t *testing.T) {
		worktree := t.TempDir()
		path := filepath.Join(worktree, ".claude", "settings.json")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		seed := map[string]interface{}{
			"model": "claude-sonnet-4-5",
			"permissions": map[string]interface{}{
				"allow": map[string]interface{}{"tools": []interface{}{"Read"}},
				"deny":  []interface{}{"WebSearch"},
			},
		}
		data, err := json.Marshal(seed)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o644))

		require.NoError(t, MergeAllowedTool(worktree, "Bash"))
		require.NoError(t, MergeAllowedTool(worktree, "Bash"))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		var settings map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &settings))

		assert.Equal(t, "claude-sonnet-4-5", settings["model"])
		permissions := settings["permissions"].(map[string]interface{})
		assert.Contains(t, permissions, "deny")
		tools, err := AllowedTools(worktree)
		require.NoError(t, err)
		assert.Equal(t, []string{"Read", "Bash"}, tools)
	})
}

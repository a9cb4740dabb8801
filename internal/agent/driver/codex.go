package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	agentevents "github.com/agor/agor/internal/agent/events"
	"github.com/agor/agor/internal/agent/mcp"
	"github.com/agor/agor/internal/agent/permission"
	"github.com/agor/agor/internal/common/logger"
	v1 "github.com/agor/agor/pkg/api/v1"
	"github.com/agor/agor/pkg/codex"
)

const (
	codexBinary      = "codex"
	codexInitTimeout = 30 * time.Second
)

// CodexDriver runs prompts through the Codex app-server.
type CodexDriver struct {
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*codexRun
}

type codexRun struct {
	client   *codex.Client
	threadID string
	cancel   context.CancelFunc
	stopped  bool
	mu       sync.Mutex
}

// NewCodexDriver returns the Codex driver.
func NewCodexDriver(log *logger.Logger) *CodexDriver {
	return &CodexDriver{
		logger:   log.WithFields(zap.String("driver", "codex")),
		sessions: make(map[string]*codexRun),
	}
}

// Name implements Driver.
func (d *CodexDriver) Name() string { return string(v1.ToolCodex) }

// Prompt implements Driver. One app-server process per turn; the thread
// id is the vendor continuation token.
func (d *CodexDriver) Prompt(ctx context.Context, req *PromptRequest) (<-chan agentevents.ProcessedEvent, error) {
	setup := req.Setup

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, codexBinary, "app-server")
	cmd.Dir = setup.Workdir
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("codex stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("codex stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting codex app-server: %w", err)
	}

	client := codex.NewClient(stdin, stdout, d.logger)
	run := &codexRun{client: client, cancel: cancel}

	events := make(chan agentevents.ProcessedEvent, 64)
	translator := newCodexTranslator(events, d.logger)

	client.SetNotificationHandler(translator.handleNotification)
	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		d.handleApproval(runCtx, req, client, id, method, params)
	})
	<-client.Start(runCtx)

	cleanup := func() {
		cancel()
		client.Stop()
		go func() { _ = cmd.Wait() }()
		d.mu.Lock()
		delete(d.sessions, req.Session.ID)
		d.mu.Unlock()
	}

	initCtx, initCancel := context.WithTimeout(runCtx, codexInitTimeout)
	defer initCancel()
	if err := client.CallResult(initCtx, codex.MethodInitialize, &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "agor", Version: "1.0"},
	}, nil); err != nil {
		cleanup()
		return nil, fmt.Errorf("codex handshake: %w", err)
	}
	if err := client.Notify(codex.MethodInitialized, nil); err != nil {
		cleanup()
		return nil, fmt.Errorf("codex handshake: %w", err)
	}

	thread, err := d.openThread(initCtx, client, setup)
	if err != nil {
		cleanup()
		return nil, err
	}
	run.threadID = thread.ID
	translator.threadID = thread.ID

	d.mu.Lock()
	d.sessions[req.Session.ID] = run
	d.mu.Unlock()

	events <- agentevents.ProcessedEvent{
		Kind:           agentevents.KindSystemComplete,
		SystemType:     "init",
		AgentSessionID: thread.ID,
		ResolvedModel:  setup.Model,
	}

	// turn/start blocks until the turn finishes; run it aside and close
	// the stream from the completion path.
	go func() {
		defer cleanup()
		defer close(events)

		turnErr := client.CallResult(runCtx, codex.MethodTurnStart, &codex.TurnStartParams{
			ThreadID: thread.ID,
			Input:    []codex.UserInput{{Type: "text", Text: req.Prompt}},
		}, nil)

		run.mu.Lock()
		stopped := run.stopped
		run.mu.Unlock()

		switch {
		case stopped:
			events <- agentevents.Stopped()
		case turnErr != nil:
			d.logger.Error("codex turn failed", zap.Error(turnErr))
			events <- translator.result(map[string]interface{}{"error": turnErr.Error()})
		default:
			events <- translator.result(nil)
		}
	}()

	return events, nil
}

// Stop implements Driver via turn/interrupt.
func (d *CodexDriver) Stop(sessionID string) error {
	d.mu.Lock()
	run, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	run.mu.Lock()
	run.stopped = true
	run.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := run.client.Call(ctx, codex.MethodTurnInterrupt, &codex.TurnInterruptParams{ThreadID: run.threadID}); err != nil {
		run.cancel()
	}
	return nil
}

func (d *CodexDriver) openThread(ctx context.Context, client *codex.Client, setup *Setup) (*codex.Thread, error) {
	approvalPolicy := "on-request"
	sandbox := &codex.SandboxPolicy{Type: "workspace-write"}
	if setup.PermissionMode == v1.PermissionModeBypass {
		approvalPolicy = "never"
		sandbox = &codex.SandboxPolicy{Type: "danger-full-access"}
	}
	mcpServers := mcp.ToCodexConfig(setup.MCPServers)

	if setup.SdkSessionID != "" && !setup.ForkSession {
		var result codex.ThreadResumeResult
		err := client.CallResult(ctx, codex.MethodThreadResume, &codex.ThreadResumeParams{
			ThreadID:       setup.SdkSessionID,
			Cwd:            setup.Workdir,
			ApprovalPolicy: approvalPolicy,
			SandboxPolicy:  sandbox,
			MCPServers:     mcpServers,
		}, &result)
		if err == nil && result.Thread != nil {
			return result.Thread, nil
		}
		d.logger.Warn("thread resume failed, starting fresh", zap.Error(err))
	}

	var result codex.ThreadStartResult
	err := client.CallResult(ctx, codex.MethodThreadStart, &codex.ThreadStartParams{
		Model:          setup.Model,
		Cwd:            setup.Workdir,
		ApprovalPolicy: approvalPolicy,
		SandboxPolicy:  sandbox,
		MCPServers:     mcpServers,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("starting thread: %w", err)
	}
	if result.Thread == nil {
		return nil, fmt.Errorf("thread/start returned no thread")
	}
	return result.Thread, nil
}

func (d *CodexDriver) handleApproval(ctx context.Context, req *PromptRequest, client *codex.Client, id interface{}, method string, params json.RawMessage) {
	var toolReq permission.ToolRequest
	switch method {
	case codex.NotifyCmdExecRequestApproval:
		var p codex.CommandApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			d.logger.Warn("bad approval params", zap.Error(err))
			_ = client.SendResponse(id, &codex.ApprovalResponse{Decision: codex.DecisionDecline}, nil)
			return
		}
		toolReq = permission.ToolRequest{
			SessionID: req.Session.ID,
			TaskID:    req.TaskID,
			ToolName:  "Bash",
			ToolUseID: p.ItemID,
			ToolInput: map[string]interface{}{"command": p.Command, "cwd": p.Cwd},
		}
	case codex.NotifyFileChangeRequestApproval:
		var p codex.FileChangeApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			d.logger.Warn("bad approval params", zap.Error(err))
			_ = client.SendResponse(id, &codex.ApprovalResponse{Decision: codex.DecisionDecline}, nil)
			return
		}
		toolReq = permission.ToolRequest{
			SessionID: req.Session.ID,
			TaskID:    req.TaskID,
			ToolName:  "Edit",
			ToolUseID: p.ItemID,
			ToolInput: map[string]interface{}{"path": p.Path, "diff": p.Diff},
		}
	default:
		_ = client.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "method not found"})
		return
	}

	decision, err := req.Gate.Gate(ctx, toolReq)
	response := codex.DecisionDecline
	if err == nil && decision.Behavior == v1.PermissionAllow {
		response = codex.DecisionAccept
	}
	if err := client.SendResponse(id, &codex.ApprovalResponse{Decision: response}, nil); err != nil {
		d.logger.Warn("sending approval response", zap.Error(err))
	}
}

// codexTranslator converts app-server notifications into ProcessedEvents
// and keeps the newest token_count payload for the final result.
type codexTranslator struct {
	events   chan<- agentevents.ProcessedEvent
	logger   *logger.Logger
	threadID string

	mu            sync.Mutex
	lastUsage     map[string]interface{}
	resolvedModel string
}

func newCodexTranslator(events chan<- agentevents.ProcessedEvent, log *logger.Logger) *codexTranslator {
	return &codexTranslator{events: events, logger: log}
}

func (t *codexTranslator) handleNotification(method string, params json.RawMessage) {
	switch method {
	case codex.NotifyItemAgentMessageDelta:
		var p codex.DeltaParams
		if json.Unmarshal(params, &p) == nil && p.Delta != "" {
			t.events <- agentevents.Partial(p.Delta)
		}

	case codex.NotifyItemReasoningTextDelta, codex.NotifyItemReasoningSummaryDelta:
		var p codex.DeltaParams
		if json.Unmarshal(params, &p) == nil && p.Delta != "" {
			t.events <- agentevents.ThinkingPartial(p.Delta)
		}

	case codex.NotifyItemStarted:
		var p codex.ItemStartedParams
		if json.Unmarshal(params, &p) == nil && p.Item != nil {
			t.itemStarted(p.Item)
		}

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if json.Unmarshal(params, &p) == nil && p.Item != nil {
			t.itemCompleted(p.Item)
		}

	case codex.NotifyTokenCount:
		var raw map[string]interface{}
		if json.Unmarshal(params, &raw) == nil {
			t.mu.Lock()
			t.lastUsage = raw
			t.mu.Unlock()
		}

	case codex.NotifyContextCompacted:
		t.events <- agentevents.SystemComplete("compaction", map[string]interface{}{"status": "compacting"})

	case codex.NotifyError:
		var p codex.ErrorParams
		if json.Unmarshal(params, &p) == nil {
			t.logger.Warn("codex error notification", zap.String("message", p.Message))
		}

	case codex.NotifyThreadStarted, codex.NotifyTurnStarted, codex.NotifyTurnCompleted,
		codex.NotifyTurnDiffUpdated, codex.NotifyTurnPlanUpdated,
		codex.NotifyItemCmdExecOutputDelta, codex.NotifyThreadTokenUsageUpdated:
		// Turn lifecycle is driven by the blocking turn/start call;
		// command output is delivered with the completed item.

	default:
		t.logger.Debug("unhandled codex notification", zap.String("method", method))
	}
}

func (t *codexTranslator) itemStarted(item *codex.Item) {
	switch item.Type {
	case "commandExecution":
		t.events <- agentevents.ToolStart("Bash", item.ID, map[string]interface{}{"command": item.Command, "cwd": item.Cwd})
	case "fileChange":
		t.events <- agentevents.ToolStart("Edit", item.ID, fileChangeInput(item))
	case "mcpToolCall":
		var args map[string]interface{}
		_ = json.Unmarshal(item.Arguments, &args)
		t.events <- agentevents.ToolStart(fmt.Sprintf("mcp__%s__%s", item.Server, item.Tool), item.ID, args)
	}
}

func (t *codexTranslator) itemCompleted(item *codex.Item) {
	switch item.Type {
	case "agentMessage":
		t.events <- agentevents.ProcessedEvent{
			Kind:    agentevents.KindComplete,
			Role:    v1.MessageRoleAssistant,
			Content: []v1.ContentBlock{{Type: v1.BlockTypeText, Text: item.Text}},
		}
	case "reasoning":
		t.events <- agentevents.ThinkingComplete()
		if text := item.Summary.Text() + item.Content.Text(); text != "" {
			t.events <- agentevents.ProcessedEvent{
				Kind:    agentevents.KindComplete,
				Role:    v1.MessageRoleAssistant,
				Content: []v1.ContentBlock{{Type: v1.BlockTypeThinking, Text: text}},
			}
		}
	case "commandExecution":
		result := map[string]interface{}{"output": item.AggregatedOutput}
		if item.ExitCode != nil {
			result["exit_code"] = *item.ExitCode
		}
		t.events <- agentevents.ToolComplete(item.ID, result)
	case "fileChange":
		t.events <- agentevents.ToolComplete(item.ID, fileChangeInput(item))
	case "mcpToolCall":
		var result interface{}
		_ = json.Unmarshal(item.Result, &result)
		t.events <- agentevents.ToolComplete(item.ID, result)
	}
}

// result builds the terminal event; the raw payload is the newest
// token_count notification so the normalizer sees cumulative totals.
func (t *codexTranslator) result(extra map[string]interface{}) agentevents.ProcessedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw := map[string]interface{}{"threadId": t.threadID}
	for key, value := range t.lastUsage {
		raw[key] = value
	}
	for key, value := range extra {
		raw[key] = value
	}
	return agentevents.ProcessedEvent{Kind: agentevents.KindResult, RawSdkMessage: raw}
}

func fileChangeInput(item *codex.Item) map[string]interface{} {
	changes := make([]interface{}, 0, len(item.Changes))
	for _, change := range item.Changes {
		changes = append(changes, map[string]interface{}{
			"path": change.Path,
			"kind": change.Kind.Type,
			"diff": change.Diff,
		})
	}
	return map[string]interface{}{"changes": changes}
}

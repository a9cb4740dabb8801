package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	agentevents "github.com/agor/agor/internal/agent/events"
	"github.com/agor/agor/internal/agent/mcp"
	"github.com/agor/agor/internal/agent/permission"
	"github.com/agor/agor/internal/common/logger"
	v1 "github.com/agor/agor/pkg/api/v1"
	"github.com/agor/agor/pkg/claudecode"
)

const (
	claudeBinary      = "claude"
	claudeInitTimeout = 30 * time.Second
	claudeStopTimeout = 10 * time.Second
)

// ClaudeDriver runs prompts through the Claude Code CLI's stream-json
// protocol.
type ClaudeDriver struct {
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*claudeRun
}

type claudeRun struct {
	client *claudecode.Client
	cancel context.CancelFunc
	events chan agentevents.ProcessedEvent

	mu      sync.Mutex
	stopped bool

	finish sync.Once
}

// NewClaudeDriver returns the Claude Code driver.
func NewClaudeDriver(log *logger.Logger) *ClaudeDriver {
	return &ClaudeDriver{
		logger:   log.WithFields(zap.String("driver", "claude-code")),
		sessions: make(map[string]*claudeRun),
	}
}

// Name implements Driver.
func (d *ClaudeDriver) Name() string { return string(v1.ToolClaudeCode) }

// Prompt implements Driver. It spawns one CLI process per turn, replays
// the vendor conversation via --resume, and streams translated events
// until the CLI's result message.
func (d *ClaudeDriver) Prompt(ctx context.Context, req *PromptRequest) (<-chan agentevents.ProcessedEvent, error) {
	setup := req.Setup

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if setup.Model != "" {
		args = append(args, "--model", setup.Model)
	}
	args = append(args, "--permission-mode", string(setup.PermissionMode))
	if setup.SdkSessionID != "" {
		args = append(args, "--resume", setup.SdkSessionID)
		if setup.ForkSession {
			args = append(args, "--fork-session")
		}
	}
	if len(setup.MCPServers) > 0 {
		configPath, err := writeClaudeMCPConfig(req.Session.ID, setup.MCPServers)
		if err != nil {
			return nil, err
		}
		args = append(args, "--mcp-config", configPath, "--strict-mcp-config")
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, claudeBinary, args...)
	cmd.Dir = setup.Workdir
	cmd.Env = os.Environ()
	if setup.ThinkingTokens > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("MAX_THINKING_TOKENS=%d", setup.ThinkingTokens))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("claude stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("claude stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting claude: %w", err)
	}

	client := claudecode.NewClient(stdin, stdout, d.logger)
	run := &claudeRun{
		client: client,
		cancel: cancel,
		events: make(chan agentevents.ProcessedEvent, 64),
	}

	d.mu.Lock()
	d.sessions[req.Session.ID] = run
	d.mu.Unlock()

	client.SetRequestHandler(func(requestID string, ctrl *claudecode.ControlRequest) {
		d.handleControlRequest(runCtx, req, client, requestID, ctrl)
	})
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		d.onClaudeMessage(run, req.Session.ID, msg)
	})

	<-client.Start(runCtx)

	// The watcher owns cmd.Wait and guarantees the stream closes even when
	// the process dies without a result message (crash, forced kill).
	go func() {
		<-client.Exited()
		_ = cmd.Wait()
		d.finishRun(run, req.Session.ID)
	}()

	if _, err := client.Initialize(runCtx, claudeInitTimeout); err != nil {
		cancel()
		return nil, fmt.Errorf("claude handshake: %w", err)
	}
	if err := client.SendUserMessage(req.Prompt); err != nil {
		cancel()
		return nil, fmt.Errorf("submitting prompt: %w", err)
	}

	return run.events, nil
}

// onClaudeMessage translates one CLI message onto the event stream. The
// result message ends the turn; when a stop was requested the result is
// suppressed and the stream ends with the stopped marker instead.
func (d *ClaudeDriver) onClaudeMessage(run *claudeRun, sessionID string, msg *claudecode.CLIMessage) {
	if msg.Type == claudecode.MessageTypeResult {
		run.mu.Lock()
		stopped := run.stopped
		run.mu.Unlock()
		if !stopped {
			for _, event := range decodeClaudeMessage(msg, d.logger) {
				run.events <- event
			}
		}
		d.finishRun(run, sessionID)
		return
	}
	for _, event := range decodeClaudeMessage(msg, d.logger) {
		run.events <- event
	}
}

// finishRun closes the event stream exactly once and releases the run.
// A stopped turn always ends with the stopped marker, whether or not the
// CLI managed to produce a result before exiting.
func (d *ClaudeDriver) finishRun(run *claudeRun, sessionID string) {
	run.finish.Do(func() {
		run.mu.Lock()
		stopped := run.stopped
		run.mu.Unlock()
		if stopped {
			run.events <- agentevents.Stopped()
		}
		close(run.events)
		run.client.Stop()
		run.cancel()
		d.mu.Lock()
		delete(d.sessions, sessionID)
		d.mu.Unlock()
	})
}

// Stop implements Driver using the CLI's native interrupt; the CLI
// answers with a final result message which ends the stream.
func (d *ClaudeDriver) Stop(sessionID string) error {
	d.mu.Lock()
	run, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	run.mu.Lock()
	run.stopped = true
	run.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), claudeStopTimeout)
	defer cancel()
	if err := run.client.Interrupt(ctx, claudeStopTimeout); err != nil {
		// Interrupt can race process exit; force the turn down.
		run.cancel()
		return nil
	}
	return nil
}

func (d *ClaudeDriver) handleControlRequest(ctx context.Context, req *PromptRequest, client *claudecode.Client, requestID string, ctrl *claudecode.ControlRequest) {
	respond := func(result *claudecode.PermissionResult) {
		err := client.SendControlResponse(&claudecode.ControlResponseMessage{
			Type:      claudecode.MessageTypeControlResponse,
			RequestID: requestID,
			Response: &claudecode.ControlResponse{
				Subtype: "success",
				Result:  result,
			},
		})
		if err != nil {
			d.logger.Warn("sending control response", zap.Error(err))
		}
	}

	switch ctrl.Subtype {
	case claudecode.SubtypeCanUseTool:
		decision, err := req.Gate.Gate(ctx, permission.ToolRequest{
			SessionID: req.Session.ID,
			TaskID:    req.TaskID,
			ToolName:  ctrl.ToolName,
			ToolUseID: ctrl.ToolUseID,
			ToolInput: ctrl.Input,
		})
		if err != nil {
			respond(&claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: "turn aborted"})
			return
		}
		if decision.Behavior == v1.PermissionAllow {
			respond(&claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow, UpdatedInput: ctrl.Input})
			return
		}
		respond(&claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: decision.Reason})

	case claudecode.SubtypeHookCallback:
		// Hooks are not configured; acknowledge so the CLI proceeds.
		respond(nil)

	default:
		d.logger.Debug("ignoring control request", zap.String("subtype", ctrl.Subtype))
		respond(nil)
	}
}

// writeClaudeMCPConfig renders the merged server set into a per-session
// config file the CLI loads with --mcp-config.
func writeClaudeMCPConfig(sessionID string, servers []v1.MCPServer) (string, error) {
	config := map[string]interface{}{"mcpServers": mcp.ToClaudeConfig(servers)}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling mcp config: %w", err)
	}
	path := filepath.Join(os.TempDir(), "agor-mcp-"+sessionID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing mcp config: %w", err)
	}
	return path, nil
}

// decodeClaudeMessage translates one CLI message into ProcessedEvents.
func decodeClaudeMessage(msg *claudecode.CLIMessage, log *logger.Logger) []agentevents.ProcessedEvent {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		return decodeClaudeSystem(msg)
	case claudecode.MessageTypeStreamEvent:
		return decodeClaudeStreamEvent(msg.Event)
	case claudecode.MessageTypeAssistant, claudecode.MessageTypeUser:
		return decodeClaudeComplete(msg)
	case claudecode.MessageTypeResult:
		return decodeClaudeResult(msg)
	default:
		log.Debug("unhandled cli message", zap.String("type", msg.Type))
		return nil
	}
}

func decodeClaudeSystem(msg *claudecode.CLIMessage) []agentevents.ProcessedEvent {
	switch msg.Subtype {
	case claudecode.SystemSubtypeInit:
		event := agentevents.SystemComplete("init", map[string]interface{}{"model": msg.Model})
		event.AgentSessionID = msg.SessionID
		event.ResolvedModel = msg.Model
		return []agentevents.ProcessedEvent{event}
	case claudecode.SystemSubtypeCompaction:
		return []agentevents.ProcessedEvent{
			agentevents.SystemComplete("compaction", map[string]interface{}{"status": "compacting"}),
		}
	default:
		return nil
	}
}

func decodeClaudeStreamEvent(event *claudecode.StreamEvent) []agentevents.ProcessedEvent {
	if event == nil {
		return nil
	}
	switch event.Type {
	case "content_block_delta":
		if event.Delta == nil {
			return nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return []agentevents.ProcessedEvent{agentevents.Partial(event.Delta.Text)}
		case "thinking_delta":
			return []agentevents.ProcessedEvent{agentevents.ThinkingPartial(event.Delta.Thinking)}
		}
	case "content_block_start":
		if event.Block != nil && event.Block.Type == "tool_use" {
			return []agentevents.ProcessedEvent{
				agentevents.ToolStart(event.Block.Name, event.Block.ID, event.Block.Input),
			}
		}
	case "content_block_stop":
		return nil
	}
	return nil
}

func decodeClaudeComplete(msg *claudecode.CLIMessage) []agentevents.ProcessedEvent {
	if msg.Message == nil {
		return nil
	}

	var (
		blocks   []v1.ContentBlock
		toolUses []string
		extra    []agentevents.ProcessedEvent
	)
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			blocks = append(blocks, v1.ContentBlock{Type: v1.BlockTypeText, Text: block.Text})
		case "thinking":
			blocks = append(blocks, v1.ContentBlock{Type: v1.BlockTypeThinking, Text: block.Thinking})
			extra = append(extra, agentevents.ThinkingComplete())
		case "tool_use":
			blocks = append(blocks, v1.ContentBlock{
				Type:      v1.BlockTypeToolUse,
				ToolName:  block.Name,
				ToolUseID: block.ID,
				ToolInput: block.Input,
			})
			toolUses = append(toolUses, block.ID)
		case "tool_result":
			var result interface{}
			if len(block.Content) > 0 {
				_ = json.Unmarshal(block.Content, &result)
			}
			blocks = append(blocks, v1.ContentBlock{
				Type:       v1.BlockTypeToolResult,
				ToolUseID:  block.ToolUseID,
				ToolResult: result,
				IsError:    block.IsError,
			})
			extra = append(extra, agentevents.ToolComplete(block.ToolUseID, result))
		}
	}
	if len(blocks) == 0 {
		return extra
	}

	role := v1.MessageRoleAssistant
	if msg.Type == claudecode.MessageTypeUser {
		role = v1.MessageRoleUser
	}
	complete := agentevents.ProcessedEvent{
		Kind:            agentevents.KindComplete,
		Role:            role,
		Content:         blocks,
		ToolUses:        toolUses,
		ParentToolUseID: msg.ParentToolUseID,
		ResolvedModel:   msg.Message.Model,
	}
	if usage := msg.Message.Usage; usage != nil {
		complete.TokenUsage = &v1.MessageTokens{Input: usage.InputTokens, Output: usage.OutputTokens}
	}
	return append(extra, complete)
}

func decodeClaudeResult(msg *claudecode.CLIMessage) []agentevents.ProcessedEvent {
	event := agentevents.ProcessedEvent{
		Kind:          agentevents.KindResult,
		RawSdkMessage: msg.Raw(),
		DurationMs:    msg.DurationMS,
	}
	if msg.Usage != nil {
		event.TokenUsage = &v1.MessageTokens{Input: msg.Usage.InputTokens, Output: msg.Usage.OutputTokens}
	}
	return []agentevents.ProcessedEvent{event}
}

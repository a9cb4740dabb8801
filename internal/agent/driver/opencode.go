package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	agentevents "github.com/agor/agor/internal/agent/events"
	"github.com/agor/agor/internal/agent/mcp"
	"github.com/agor/agor/internal/agent/permission"
	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/common/portutil"
	"github.com/agor/agor/internal/sysprompt"
	v1 "github.com/agor/agor/pkg/api/v1"
	"github.com/agor/agor/pkg/opencode"
)

const (
	opencodeBinary       = "opencode"
	opencodeStartTimeout = 30 * time.Second
)

// OpenCodeDriver runs prompts through a per-turn `opencode serve`
// subprocess: REST for control, SSE for streaming output. The server
// persists sessions under the working directory, so resume is just
// reusing the server-side session id.
type OpenCodeDriver struct {
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*opencodeRun
}

type opencodeRun struct {
	client  *opencode.Client
	cancel  context.CancelFunc
	sdkID   string
	stopped bool
	mu      sync.Mutex
}

// NewOpenCodeDriver returns the OpenCode driver.
func NewOpenCodeDriver(log *logger.Logger) *OpenCodeDriver {
	return &OpenCodeDriver{
		logger:   log.WithFields(zap.String("driver", "opencode")),
		sessions: make(map[string]*opencodeRun),
	}
}

// Name implements Driver.
func (d *OpenCodeDriver) Name() string { return string(v1.ToolOpenCode) }

// Prompt implements Driver.
func (d *OpenCodeDriver) Prompt(ctx context.Context, req *PromptRequest) (<-chan agentevents.ProcessedEvent, error) {
	setup := req.Setup

	port, err := portutil.AllocatePort()
	if err != nil {
		return nil, fmt.Errorf("allocating opencode port: %w", err)
	}
	password := opencode.GenerateServerPassword()

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, opencodeBinary, "serve",
		"--hostname", "127.0.0.1", "--port", strconv.Itoa(port))
	cmd.Dir = setup.Workdir
	cmd.Env = append(os.Environ(), "OPENCODE_SERVER_PASSWORD="+password)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting opencode server: %w", err)
	}

	client := opencode.NewClient(fmt.Sprintf("http://127.0.0.1:%d", port), setup.Workdir, password, d.logger)
	fail := func(err error) (<-chan agentevents.ProcessedEvent, error) {
		client.Close()
		cancel()
		_ = cmd.Wait()
		return nil, err
	}

	if err := client.WaitForHealth(runCtx, opencodeStartTimeout); err != nil {
		return fail(fmt.Errorf("opencode server not ready: %w", err))
	}

	sdkID, warning, err := d.openSession(runCtx, client, setup)
	if err != nil {
		return fail(err)
	}
	if warning != "" {
		d.logger.Warn(warning, zap.String("session_id", req.Session.ID))
	}

	run := &opencodeRun{client: client, cancel: cancel, sdkID: sdkID}
	d.mu.Lock()
	d.sessions[req.Session.ID] = run
	d.mu.Unlock()

	events := make(chan agentevents.ProcessedEvent, 64)
	translator := newOpenCodeTranslator(runCtx, client, req, events, d.logger)
	client.SetEventHandler(translator.handle)
	if err := client.StartEventStream(runCtx, sdkID); err != nil {
		d.mu.Lock()
		delete(d.sessions, req.Session.ID)
		d.mu.Unlock()
		return fail(fmt.Errorf("opencode event stream: %w", err))
	}

	init := agentevents.SystemComplete("init", map[string]interface{}{"model": setup.Model})
	init.AgentSessionID = sdkID
	init.ResolvedModel = setup.Model
	events <- init

	go func() {
		defer func() {
			client.Close()
			cancel()
			go func() { _ = cmd.Wait() }()
			d.mu.Lock()
			delete(d.sessions, req.Session.ID)
			d.mu.Unlock()
			close(events)
		}()

		err := client.SendPrompt(runCtx, sdkID, d.buildPrompt(req))
		run.mu.Lock()
		stopped := run.stopped
		run.mu.Unlock()

		switch {
		case stopped:
			events <- agentevents.Stopped()
		case err != nil && runCtx.Err() != nil:
			events <- agentevents.Stopped()
		case err != nil:
			events <- agentevents.ProcessedEvent{
				Kind:          agentevents.KindResult,
				RawSdkMessage: map[string]interface{}{"error": err.Error()},
			}
		default:
			events <- agentevents.ProcessedEvent{
				Kind:          agentevents.KindResult,
				RawSdkMessage: translator.result(sdkID),
			}
		}
	}()

	return events, nil
}

// Stop implements Driver: abort the server-side turn, then tear the
// subprocess down. Abort is best effort; cancellation is the backstop.
func (d *OpenCodeDriver) Stop(sessionID string) error {
	d.mu.Lock()
	run, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	run.mu.Lock()
	run.stopped = true
	run.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = run.client.Abort(ctx, run.sdkID)
	run.cancel()
	return nil
}

// openSession resumes, forks, or creates the server-side session. A
// failed resume falls back to a fresh session rather than failing the
// prompt.
func (d *OpenCodeDriver) openSession(ctx context.Context, client *opencode.Client, setup *Setup) (string, string, error) {
	if setup.SdkSessionID != "" {
		if setup.ForkSession {
			forked, err := client.ForkSession(ctx, setup.SdkSessionID)
			if err == nil {
				return forked, "", nil
			}
			fresh, createErr := client.CreateSession(ctx)
			if createErr != nil {
				return "", "", fmt.Errorf("creating opencode session: %w", createErr)
			}
			return fresh, fmt.Sprintf("fork failed (%v), starting fresh context", err), nil
		}
		return setup.SdkSessionID, "", nil
	}

	id, err := client.CreateSession(ctx)
	if err != nil {
		return "", "", fmt.Errorf("creating opencode session: %w", err)
	}
	return id, "", nil
}

func (d *OpenCodeDriver) buildPrompt(req *PromptRequest) opencode.PromptRequest {
	setup := req.Setup
	prompt := opencode.PromptRequest{
		Parts: []opencode.TextPartInput{{Type: "text", Text: req.Prompt}},
	}
	if provider, model, ok := strings.Cut(setup.Model, "/"); ok {
		prompt.Model = &opencode.ModelSpec{ProviderID: provider, ModelID: model}
	}
	if setup.PermissionMode == v1.PermissionModePlan {
		prompt.System = sysprompt.PlanMode
	}
	if len(setup.MCPServers) > 0 {
		prompt.MCP = mcp.ToOpenCodeConfig(setup.MCPServers)
	}
	return prompt
}

// opencodeTranslator folds SSE events into ProcessedEvents and keeps
// the newest assistant usage for the turn result.
type opencodeTranslator struct {
	ctx    context.Context
	client *opencode.Client
	req    *PromptRequest
	events chan<- agentevents.ProcessedEvent
	logger *logger.Logger

	mu        sync.Mutex
	lastInfo  *opencode.MessageInfo
	partText  map[string]string // part id → accumulated text
	toolParts map[string]string // call id → tool name
	doneTools map[string]bool   // call id → tool_complete emitted
}

func newOpenCodeTranslator(ctx context.Context, client *opencode.Client, req *PromptRequest, events chan<- agentevents.ProcessedEvent, log *logger.Logger) *opencodeTranslator {
	return &opencodeTranslator{
		ctx:       ctx,
		client:    client,
		req:       req,
		events:    events,
		logger:    log,
		partText:  make(map[string]string),
		toolParts: make(map[string]string),
		doneTools: make(map[string]bool),
	}
}

func (t *opencodeTranslator) send(event agentevents.ProcessedEvent) {
	select {
	case t.events <- event:
	case <-t.ctx.Done():
	}
}

func (t *opencodeTranslator) handle(event *opencode.Event) {
	switch event.Type {
	case opencode.EventMessageUpdated:
		var props opencode.MessageUpdatedProperties
		if err := event.DecodeProperties(&props); err != nil {
			t.logger.Warn("decoding message.updated", zap.Error(err))
			return
		}
		t.messageUpdated(&props.Info)

	case opencode.EventMessagePartUpdated:
		var props opencode.MessagePartUpdatedProperties
		if err := event.DecodeProperties(&props); err != nil {
			t.logger.Warn("decoding message.part.updated", zap.Error(err))
			return
		}
		t.partUpdated(&props)

	case opencode.EventPermissionAsked:
		var props opencode.PermissionAskedProperties
		if err := event.DecodeProperties(&props); err != nil {
			t.logger.Warn("decoding permission.asked", zap.Error(err))
			return
		}
		t.permissionAsked(&props)

	case opencode.EventSessionCompacted:
		t.send(agentevents.SystemComplete("compaction", map[string]interface{}{"status": "completed"}))

	case opencode.EventSessionError:
		var props opencode.SessionErrorProperties
		if err := event.DecodeProperties(&props); err != nil || props.Error == nil {
			return
		}
		t.logger.Warn("opencode session error",
			zap.String("kind", props.Error.Kind()), zap.String("message", props.Error.MessageText()))

	case opencode.EventSessionIdle, opencode.EventSessionStatus, opencode.EventTodoUpdated,
		opencode.EventPermissionReplied, opencode.EventSessionDiff:
		// Lifecycle events; the blocking prompt call ends the turn.
	}
}

// messageUpdated keeps the newest assistant usage block; the final one
// before idle is the turn's accounting.
func (t *opencodeTranslator) messageUpdated(info *opencode.MessageInfo) {
	if info.Role != "assistant" {
		return
	}
	t.mu.Lock()
	t.lastInfo = info
	t.mu.Unlock()
}

func (t *opencodeTranslator) partUpdated(props *opencode.MessagePartUpdatedProperties) {
	part := &props.Part
	switch part.Type {
	case opencode.PartTypeText:
		t.streamText(part, props.Delta, false)
	case opencode.PartTypeReasoning:
		t.streamText(part, props.Delta, true)
	case opencode.PartTypeTool:
		t.toolUpdated(part)
	}
}

// streamText emits the incremental chunk. Deltas are preferred; without
// one the new suffix over the accumulated text is used.
func (t *opencodeTranslator) streamText(part *opencode.Part, delta string, thinking bool) {
	t.mu.Lock()
	previous := t.partText[part.ID]
	chunk := delta
	if chunk == "" && len(part.Text) > len(previous) && strings.HasPrefix(part.Text, previous) {
		chunk = part.Text[len(previous):]
	}
	if part.Text != "" {
		t.partText[part.ID] = part.Text
	} else if delta != "" {
		t.partText[part.ID] = previous + delta
	}
	t.mu.Unlock()

	if chunk == "" {
		return
	}
	if thinking {
		t.send(agentevents.ThinkingPartial(chunk))
		return
	}
	t.send(agentevents.Partial(chunk))
}

func (t *opencodeTranslator) toolUpdated(part *opencode.Part) {
	if part.State == nil {
		return
	}

	t.mu.Lock()
	_, started := t.toolParts[part.CallID]
	if !started {
		t.toolParts[part.CallID] = part.Tool
	}
	finished := t.doneTools[part.CallID]
	terminal := part.State.Status == opencode.ToolStatusCompleted || part.State.Status == opencode.ToolStatusError
	if terminal {
		t.doneTools[part.CallID] = true
	}
	t.mu.Unlock()

	if !started {
		var input map[string]interface{}
		if len(part.State.Input) > 0 {
			input = decodeJSONMap(part.State.Input)
		}
		t.send(agentevents.ToolStart(part.Tool, part.CallID, input))
	}
	if terminal && !finished {
		result := map[string]interface{}{}
		if part.State.Output != "" {
			result["output"] = part.State.Output
		}
		if part.State.Error != "" {
			result["error"] = part.State.Error
		}
		t.send(agentevents.ToolComplete(part.CallID, result))
	}
}

// permissionAsked routes the server's ask through the arbiter and
// replies once/reject. OpenCode handles its own allow-list persistence,
// so "always" is never granted from here.
func (t *opencodeTranslator) permissionAsked(props *opencode.PermissionAskedProperties) {
	toolName := props.Permission
	callID := ""
	if props.Tool != nil {
		callID = props.Tool.CallID
		if props.Tool.Name != "" {
			toolName = props.Tool.Name
		}
	}

	input := make(map[string]interface{}, len(props.Metadata))
	for key, value := range props.Metadata {
		input[key] = value
	}
	if len(props.Patterns) > 0 {
		input["patterns"] = props.Patterns
	}

	decision, err := t.req.Gate.Gate(t.ctx, permission.ToolRequest{
		SessionID: t.req.Session.ID,
		TaskID:    t.req.TaskID,
		ToolName:  toolName,
		ToolUseID: callID,
		ToolInput: input,
	})

	reply := opencode.PermissionReplyOnce
	message := ""
	switch {
	case err != nil:
		reply = opencode.PermissionReplyReject
		message = "turn aborted"
	case decision.Behavior != v1.PermissionAllow:
		reply = opencode.PermissionReplyReject
		message = decision.Reason
	}
	if err := t.client.ReplyPermission(t.ctx, props.ID, reply, message); err != nil {
		t.logger.Warn("permission reply failed", zap.String("request_id", props.ID), zap.Error(err))
	}
}

// result builds the raw payload from the final assistant message, plus
// the provider's context window when the lookup succeeds.
func (t *opencodeTranslator) result(sdkID string) map[string]interface{} {
	raw := map[string]interface{}{"sessionID": sdkID}

	t.mu.Lock()
	info := t.lastInfo
	t.mu.Unlock()
	if info == nil {
		return raw
	}

	raw["providerID"] = info.ProviderID
	raw["modelID"] = info.ModelID
	if info.Cost > 0 {
		raw["cost"] = info.Cost
	}
	if info.Tokens != nil {
		tokens := map[string]interface{}{
			"input":     float64(info.Tokens.Input),
			"output":    float64(info.Tokens.Output),
			"reasoning": float64(info.Tokens.Reasoning),
		}
		if info.Tokens.Cache != nil {
			tokens["cache"] = map[string]interface{}{
				"read":  float64(info.Tokens.Cache.Read),
				"write": float64(info.Tokens.Cache.Write),
			}
		}
		raw["tokens"] = tokens
	}
	if info.ProviderID != "" && info.ModelID != "" {
		if window, err := t.client.ModelContextWindow(t.ctx, info.ProviderID, info.ModelID); err == nil && window > 0 {
			raw["contextWindow"] = float64(window)
		}
	}
	return raw
}

func decodeJSONMap(raw json.RawMessage) map[string]interface{} {
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

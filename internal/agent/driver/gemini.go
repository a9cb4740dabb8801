package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	agentevents "github.com/agor/agor/internal/agent/events"
	"github.com/agor/agor/internal/agent/permission"
	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/sysprompt"
	v1 "github.com/agor/agor/pkg/api/v1"
)

const (
	geminiDefaultModel = "gemini-2.5-pro"
	geminiAuthTimeout  = 10 * time.Second

	// maxToolLoops caps the execute-respond cycle; hitting it ends the
	// turn cleanly rather than erroring.
	maxToolLoops = 50
)

// GeminiDriver runs prompts through the Gemini SDK. Unlike the
// subprocess drivers it embeds the agent loop: function calls from the
// model are executed against the session's MCP servers and fed back as
// function responses.
type GeminiDriver struct {
	logger *logger.Logger

	// newExecutor is swappable for tests.
	newExecutor func(servers []v1.MCPServer, log *logger.Logger) ToolExecutor

	mu       sync.Mutex
	sessions map[string]*geminiRun
}

type geminiRun struct {
	cancel  context.CancelFunc
	stopped bool
	mu      sync.Mutex
}

// NewGeminiDriver returns the Gemini driver.
func NewGeminiDriver(log *logger.Logger) *GeminiDriver {
	return &GeminiDriver{
		logger: log.WithFields(zap.String("driver", "gemini")),
		newExecutor: func(servers []v1.MCPServer, log *logger.Logger) ToolExecutor {
			return NewMCPToolExecutor(servers, log)
		},
		sessions: make(map[string]*geminiRun),
	}
}

// Name implements Driver.
func (d *GeminiDriver) Name() string { return string(v1.ToolGemini) }

// Prompt implements Driver.
func (d *GeminiDriver) Prompt(ctx context.Context, req *PromptRequest) (<-chan agentevents.ProcessedEvent, error) {
	apiKey, err := awaitGeminiKey(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	client, err := genai.NewClient(runCtx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	executor := d.newExecutor(req.Setup.MCPServers, d.logger)

	contextPath, err := writeGeminiContextFile(req)
	if err != nil {
		cancel()
		executor.Close()
		return nil, err
	}

	run := &geminiRun{cancel: cancel}
	d.mu.Lock()
	d.sessions[req.Session.ID] = run
	d.mu.Unlock()

	events := make(chan agentevents.ProcessedEvent, 64)
	go func() {
		defer func() {
			executor.Close()
			cancel()
			d.mu.Lock()
			delete(d.sessions, req.Session.ID)
			d.mu.Unlock()
			close(events)
		}()
		d.runTurn(runCtx, client, executor, req, contextPath, run, events)
	}()

	return events, nil
}

// Stop implements Driver by cancelling the turn; the stream loop sees
// the cancellation and emits a stopped event. The session context file
// is removed here since Gemini keeps no server-side conversation.
func (d *GeminiDriver) Stop(sessionID string) error {
	d.mu.Lock()
	run, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		_ = os.Remove(geminiContextPath(sessionID))
		return nil
	}

	run.mu.Lock()
	run.stopped = true
	run.mu.Unlock()
	run.cancel()
	return nil
}

// awaitGeminiKey polls the environment for an API key; CLI-based logins
// export it asynchronously, so a short wait covers fresh shells.
func awaitGeminiKey(ctx context.Context) (string, error) {
	deadline := time.Now().Add(geminiAuthTimeout)
	for {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key, nil
		}
		if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			return key, nil
		}
		if time.Now().After(deadline) {
			return "", ErrAuthTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (d *GeminiDriver) runTurn(ctx context.Context, client *genai.Client, executor ToolExecutor, req *PromptRequest, contextPath string, run *geminiRun, events chan<- agentevents.ProcessedEvent) {
	setup := req.Setup
	model := setup.Model
	if model == "" {
		model = geminiDefaultModel
	}

	config, err := d.buildConfig(ctx, executor, setup, contextPath)
	if err != nil {
		d.logger.Warn("tool discovery failed, continuing without tools", zap.Error(err))
	}

	events <- agentevents.ProcessedEvent{
		Kind:           agentevents.KindSystemComplete,
		SystemType:     "init",
		AgentSessionID: req.Session.ID,
		ResolvedModel:  model,
	}

	contents := []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}},
	}

	var lastUsage *genai.GenerateContentResponseUsageMetadata
	modelVersion := model

	for loop := 0; ; loop++ {
		if loop >= maxToolLoops {
			d.logger.Warn("tool loop limit reached, ending turn",
				zap.String("session_id", req.Session.ID), zap.Int("loops", loop))
			break
		}

		turn, err := d.streamOnce(ctx, client, model, contents, config, events)
		if err != nil {
			run.mu.Lock()
			stopped := run.stopped
			run.mu.Unlock()
			if stopped || ctx.Err() != nil {
				events <- agentevents.Stopped()
				return
			}
			events <- agentevents.ProcessedEvent{
				Kind:          agentevents.KindResult,
				RawSdkMessage: map[string]interface{}{"error": err.Error()},
			}
			return
		}
		if turn.usage != nil {
			lastUsage = turn.usage
		}
		if turn.modelVersion != "" {
			modelVersion = turn.modelVersion
		}

		d.emitComplete(events, turn)
		contents = append(contents, turn.content())

		if len(turn.calls) == 0 {
			break
		}
		responses := d.executeCalls(ctx, executor, req, turn.calls, events)
		contents = append(contents, &genai.Content{Role: "user", Parts: responses})
	}

	events <- agentevents.ProcessedEvent{
		Kind:          agentevents.KindResult,
		RawSdkMessage: geminiRaw(lastUsage, modelVersion),
	}
}

func (d *GeminiDriver) buildConfig(ctx context.Context, executor ToolExecutor, setup *Setup, contextPath string) (*genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}

	instruction := geminiSystemInstruction(contextPath, setup)
	if instruction != "" {
		config.SystemInstruction = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: instruction}},
		}
	}
	if setup.ThinkingTokens > 0 {
		budget := int32(setup.ThinkingTokens)
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
	}

	defs, err := executor.List(ctx)
	if err != nil {
		return config, err
	}
	for _, def := range defs {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  toGenaiSchema(def.Parameters),
			}},
		})
	}
	return config, nil
}

// geminiTurn accumulates one model turn from the stream.
type geminiTurn struct {
	text         string
	thinking     string
	calls        []*genai.FunctionCall
	usage        *genai.GenerateContentResponseUsageMetadata
	modelVersion string
}

func (t *geminiTurn) content() *genai.Content {
	var parts []*genai.Part
	if t.thinking != "" {
		parts = append(parts, &genai.Part{Text: t.thinking, Thought: true})
	}
	if t.text != "" {
		parts = append(parts, &genai.Part{Text: t.text})
	}
	for _, call := range t.calls {
		parts = append(parts, &genai.Part{FunctionCall: call})
	}
	return &genai.Content{Role: "model", Parts: parts}
}

func (d *GeminiDriver) streamOnce(ctx context.Context, client *genai.Client, model string, contents []*genai.Content, config *genai.GenerateContentConfig, events chan<- agentevents.ProcessedEvent) (*geminiTurn, error) {
	turn := &geminiTurn{}
	seenCalls := make(map[string]bool)
	inThinking := false

	for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		if resp.UsageMetadata != nil {
			turn.usage = resp.UsageMetadata
		}
		if resp.ModelVersion != "" {
			turn.modelVersion = resp.ModelVersion
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}

		for _, part := range resp.Candidates[0].Content.Parts {
			switch {
			case part.Text != "" && part.Thought:
				inThinking = true
				turn.thinking += part.Text
				events <- agentevents.ThinkingPartial(part.Text)

			case part.Text != "":
				if inThinking {
					events <- agentevents.ThinkingComplete()
					inThinking = false
				}
				turn.text += part.Text
				events <- agentevents.Partial(part.Text)

			case part.FunctionCall != nil:
				if inThinking {
					events <- agentevents.ThinkingComplete()
					inThinking = false
				}
				call := part.FunctionCall
				key := call.ID
				if key == "" {
					key = call.Name + fmt.Sprint(call.Args)
				}
				if seenCalls[key] {
					continue
				}
				seenCalls[key] = true
				turn.calls = append(turn.calls, call)
			}
		}
	}
	if inThinking {
		events <- agentevents.ThinkingComplete()
	}
	return turn, nil
}

func (d *GeminiDriver) emitComplete(events chan<- agentevents.ProcessedEvent, turn *geminiTurn) {
	var blocks []v1.ContentBlock
	var toolUses []string
	if turn.thinking != "" {
		blocks = append(blocks, v1.ContentBlock{Type: v1.BlockTypeThinking, Text: turn.thinking})
	}
	if turn.text != "" {
		blocks = append(blocks, v1.ContentBlock{Type: v1.BlockTypeText, Text: turn.text})
	}
	for _, call := range turn.calls {
		blocks = append(blocks, v1.ContentBlock{
			Type:      v1.BlockTypeToolUse,
			ToolName:  call.Name,
			ToolUseID: call.ID,
			ToolInput: call.Args,
		})
		toolUses = append(toolUses, call.ID)
	}
	if len(blocks) == 0 {
		return
	}

	complete := agentevents.ProcessedEvent{
		Kind:          agentevents.KindComplete,
		Role:          v1.MessageRoleAssistant,
		Content:       blocks,
		ToolUses:      toolUses,
		ResolvedModel: turn.modelVersion,
	}
	if turn.usage != nil {
		complete.TokenUsage = &v1.MessageTokens{
			Input:  int64(turn.usage.PromptTokenCount),
			Output: int64(turn.usage.CandidatesTokenCount + turn.usage.ThoughtsTokenCount),
		}
	}
	events <- complete
}

// executeCalls gates and runs each function call, emitting tool events
// and returning the function responses for the next turn.
func (d *GeminiDriver) executeCalls(ctx context.Context, executor ToolExecutor, req *PromptRequest, calls []*genai.FunctionCall, events chan<- agentevents.ProcessedEvent) []*genai.Part {
	var responses []*genai.Part
	for _, call := range calls {
		events <- agentevents.ToolStart(call.Name, call.ID, call.Args)

		decision, err := req.Gate.Gate(ctx, permission.ToolRequest{
			SessionID: req.Session.ID,
			TaskID:    req.TaskID,
			ToolName:  call.Name,
			ToolUseID: call.ID,
			ToolInput: call.Args,
		})

		var result map[string]any
		switch {
		case err != nil:
			result = map[string]any{"error": "turn aborted"}
		case decision.Behavior != v1.PermissionAllow:
			result = map[string]any{"error": "permission denied: " + decision.Reason}
		default:
			result, err = executor.Execute(ctx, call.Name, call.Args)
			if err != nil {
				result = map[string]any{"error": err.Error()}
			}
		}

		events <- agentevents.ToolComplete(call.ID, result)
		responses = append(responses, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{ID: call.ID, Name: call.Name, Response: result},
		})
	}
	return responses
}

func geminiContextPath(sessionID string) string {
	return filepath.Join(os.TempDir(), "agor-gemini-"+sessionID+".md")
}

// writeGeminiContextFile renders the per-session context the system
// instruction points the model at.
func writeGeminiContextFile(req *PromptRequest) (string, error) {
	content := sysprompt.FormatSessionContext(req.Session.ID, req.TaskID) + "\n\n" +
		"Working directory: " + req.Setup.Workdir + "\n"
	path := geminiContextPath(req.Session.ID)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("writing gemini context file: %w", err)
	}
	return path, nil
}

func geminiSystemInstruction(contextPath string, setup *Setup) string {
	instruction := "You are a coding agent working in " + setup.Workdir + ".\n" +
		"Session context is available at " + contextPath + "."
	if setup.PermissionMode == v1.PermissionModePlan {
		instruction += "\n\n" + sysprompt.PlanMode
	}
	return instruction
}

// geminiRaw builds the raw result payload with the vendor's own key
// spelling so the normalizer reads it like any persisted payload.
func geminiRaw(usage *genai.GenerateContentResponseUsageMetadata, modelVersion string) map[string]interface{} {
	raw := map[string]interface{}{"modelVersion": modelVersion}
	if usage == nil {
		return raw
	}
	raw["usageMetadata"] = map[string]interface{}{
		"promptTokenCount":        float64(usage.PromptTokenCount),
		"candidatesTokenCount":    float64(usage.CandidatesTokenCount),
		"thoughtsTokenCount":      float64(usage.ThoughtsTokenCount),
		"cachedContentTokenCount": float64(usage.CachedContentTokenCount),
		"totalTokenCount":         float64(usage.TotalTokenCount),
	}
	return raw
}

// toGenaiSchema converts a JSON-schema map into the SDK's schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, entry := range required {
			if name, ok := entry.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, entry := range enum {
			if name, ok := entry.(string); ok {
				s.Enum = append(s.Enum, name)
			}
		}
	}
	return s
}

package opencode

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
)

// EventHandler receives every SSE event that belongs to the session.
type EventHandler func(event *Event)

// Control event types surfaced on the control channel.
const (
	ControlIdle         = "idle"
	ControlAuthRequired = "auth_required"
	ControlSessionError = "session_error"
	ControlDisconnected = "disconnected"
)

// ControlEvent signals session lifecycle transitions extracted from the
// event stream.
type ControlEvent struct {
	Type    string
	Message string
}

// promptTimeout bounds one prompt HTTP call; turns can run for a long
// time before the server responds.
const promptTimeout = 60 * time.Minute

// Client drives an OpenCode server over HTTP and its SSE event stream.
type Client struct {
	baseURL    string
	directory  string
	password   string
	httpClient *http.Client
	logger     *logger.Logger

	controlCh chan ControlEvent

	mu           sync.RWMutex
	eventHandler EventHandler
	sseCancel    context.CancelFunc
	sseActive    bool
	closed       bool
}

// NewClient targets an OpenCode server rooted at directory.
func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		directory:  directory,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithFields(zap.String("component", "opencode-client")),
		controlCh:  make(chan ControlEvent, 10),
	}
}

// GenerateServerPassword mints the random password handed to the
// subprocess via --password.
func GenerateServerPassword() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("opencode-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// SetEventHandler registers the SSE event handler.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

// ControlChannel returns the session lifecycle channel.
func (c *Client) ControlChannel() <-chan ControlEvent {
	return c.controlCh
}

func (c *Client) authHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("opencode:"+c.password))
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := c.baseURL + path
	if strings.Contains(path, "?") {
		url += "&directory=" + c.directory
	} else {
		url += "?directory=" + c.directory
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// WaitForHealth polls /global/health until the server reports healthy
// or the deadline passes.
func (c *Client) WaitForHealth(ctx context.Context, deadline time.Duration) error {
	until := time.Now().Add(deadline)
	var lastErr error

	for time.Now().Before(until) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := c.do(ctx, http.MethodGet, "/global/health", nil)
		if err != nil {
			lastErr = err
			time.Sleep(150 * time.Millisecond)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("reading health response: %w", readErr)
			time.Sleep(150 * time.Millisecond)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, body)
			time.Sleep(150 * time.Millisecond)
			continue
		}

		var health HealthResponse
		if err := json.Unmarshal(body, &health); err != nil {
			lastErr = fmt.Errorf("parsing health response %q: %w", body, err)
			time.Sleep(150 * time.Millisecond)
			continue
		}
		if health.Healthy {
			c.logger.Debug("opencode server healthy", zap.String("version", health.Version))
			return nil
		}
		lastErr = fmt.Errorf("server unhealthy (version %s)", health.Version)
		time.Sleep(150 * time.Millisecond)
	}

	if lastErr != nil {
		return fmt.Errorf("health check timed out: %w", lastErr)
	}
	return fmt.Errorf("health check timed out")
}

// CreateSession opens a fresh server-side session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	return c.postForSession(ctx, "/session")
}

// ForkSession branches an existing session for follow-up prompts.
func (c *Client) ForkSession(ctx context.Context, sessionID string) (string, error) {
	return c.postForSession(ctx, fmt.Sprintf("/session/%s/fork", sessionID))
}

func (c *Client) postForSession(ctx context.Context, path string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, path, strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("POST %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("POST %s: HTTP %d: %s", path, resp.StatusCode, body)
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parsing session response: %w", err)
	}
	return session.ID, nil
}

// SendPrompt submits a prompt and blocks until the server acknowledges
// the full turn. Streaming output arrives on the SSE channel meanwhile.
func (c *Client) SendPrompt(ctx context.Context, sessionID string, prompt PromptRequest) error {
	body, err := json.Marshal(prompt)
	if err != nil {
		return fmt.Errorf("marshaling prompt: %w", err)
	}

	path := fmt.Sprintf("/session/%s/message", sessionID)
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: promptTimeout}).Do(req)
	if err != nil {
		return fmt.Errorf("sending prompt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, respBody)
	}

	trimmed := strings.TrimSpace(string(respBody))
	if trimmed == "" {
		return fmt.Errorf("prompt returned empty response")
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return fmt.Errorf("parsing prompt response: %w", err)
	}

	// Success is { info, parts }; errors come back as { name, data }.
	if _, hasInfo := parsed["info"]; hasInfo {
		if _, hasParts := parsed["parts"]; hasParts {
			return nil
		}
	}
	if name, ok := parsed["name"].(string); ok {
		message := "unknown error"
		if data, ok := parsed["data"].(map[string]any); ok {
			if msg, ok := data["message"].(string); ok {
				message = msg
			}
		}
		return fmt.Errorf("prompt error: %s: %s", name, message)
	}
	return nil
}

// Abort asks the server to stop the in-flight turn. Best effort: abort
// races turn completion, so errors are swallowed.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.do(abortCtx, http.MethodPost, fmt.Sprintf("/session/%s/abort", sessionID), nil)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.ReadAll(resp.Body)
	return nil
}

// ReplyPermission answers a permission.asked event.
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply string, message string) error {
	payload := PermissionReplyRequest{Reply: reply, Message: message}
	if payload.Message == "" && reply == PermissionReplyReject {
		payload.Message = "denied by user"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling permission reply: %w", err)
	}

	path := fmt.Sprintf("/permission/%s/reply", requestID)
	resp, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.ReadAll(resp.Body)
	return nil
}

// ModelContextWindow looks up the model's context budget from the
// provider list. Returns 0 when the provider or model is unknown.
func (c *Client) ModelContextWindow(ctx context.Context, providerID, modelID string) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/provider", nil)
	if err != nil {
		return 0, fmt.Errorf("GET /provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("GET /provider: HTTP %d: %s", resp.StatusCode, body)
	}

	var providers ProviderListResponse
	if err := json.NewDecoder(resp.Body).Decode(&providers); err != nil {
		return 0, fmt.Errorf("parsing provider list: %w", err)
	}
	for _, provider := range providers.All {
		if provider.ID != providerID {
			continue
		}
		if model, ok := provider.Models[modelID]; ok {
			return model.Limit.Context, nil
		}
	}
	return 0, nil
}

// StartEventStream connects the SSE stream and dispatches events for
// sessionID. Only one connection is kept; a second call while active is
// a no-op so events are not delivered twice.
func (c *Client) StartEventStream(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.sseActive {
		c.mu.Unlock()
		return nil
	}
	c.sseActive = true
	c.mu.Unlock()

	sseCtx, sseCancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.sseCancel = sseCancel
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
		sseCancel()
		return err
	}

	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, c.baseURL+"/event?directory="+c.directory, nil)
	if err != nil {
		return fail(fmt.Errorf("creating event stream request: %w", err))
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream stays open for the session's life.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fail(fmt.Errorf("connecting event stream: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return fail(fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, body))
	}

	go c.consumeEventStream(sseCtx, sessionID, resp.Body)
	return nil
}

func (c *Client) consumeEventStream(ctx context.Context, sessionID string, body io.ReadCloser) {
	defer func() {
		_ = body.Close()
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataBuffer strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		if line != "" || dataBuffer.Len() == 0 {
			continue
		}

		data := strings.TrimSpace(dataBuffer.String())
		dataBuffer.Reset()
		if data == "" {
			continue
		}

		event, err := ParseEvent([]byte(data))
		if err != nil {
			c.logger.Warn("unparseable sse event", zap.Error(err))
			continue
		}
		if !eventMatchesSession(event, sessionID) {
			continue
		}

		c.dispatchControl(event)

		c.mu.RLock()
		handler := c.eventHandler
		c.mu.RUnlock()
		if handler != nil {
			handler(event)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("event stream read failed", zap.Error(err))
	}
	c.sendControl(ControlEvent{Type: ControlDisconnected})
}

// eventMatchesSession filters the shared stream down to one session.
// Events without a recognizable session id pass through.
func eventMatchesSession(event *Event, sessionID string) bool {
	var props map[string]any
	if len(event.Properties) > 0 {
		if err := json.Unmarshal(event.Properties, &props); err != nil {
			return true
		}
	}

	extracted := ""
	switch event.Type {
	case EventMessageUpdated:
		if info, ok := props["info"].(map[string]any); ok {
			extracted, _ = info["sessionID"].(string)
		}
	case EventMessagePartUpdated:
		if part, ok := props["part"].(map[string]any); ok {
			extracted, _ = part["sessionID"].(string)
		}
	default:
		extracted, _ = props["sessionID"].(string)
	}

	return extracted == "" || extracted == sessionID
}

func (c *Client) dispatchControl(event *Event) {
	switch event.Type {
	case EventSessionIdle:
		c.sendControl(ControlEvent{Type: ControlIdle})
	case EventSessionError:
		var props SessionErrorProperties
		if err := event.DecodeProperties(&props); err != nil || props.Error == nil {
			return
		}
		kind := ControlSessionError
		if props.Error.Kind() == "ProviderAuthError" {
			kind = ControlAuthRequired
		}
		c.sendControl(ControlEvent{Type: kind, Message: props.Error.MessageText()})
	}
}

func (c *Client) sendControl(event ControlEvent) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}
	select {
	case c.controlCh <- event:
	default:
	}
}

// Close tears down the SSE connection and the control channel. Safe to
// call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
	c.sseActive = false
	close(c.controlCh)
}

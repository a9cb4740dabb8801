package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
)

// RequestHandler handles CLI-initiated control requests (permission asks,
// hook callbacks). The handler replies via SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler receives every non-control message from the stream.
type MessageHandler func(msg *CLIMessage)

// maxLineSize bounds a single NDJSON line; result messages with large tool
// outputs can run to megabytes.
const maxLineSize = 10 * 1024 * 1024

type pendingRequest struct {
	ch chan *IncomingControlResponse
}

// Client frames the stream-json protocol over the CLI's stdin/stdout.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler

	pendingRequests   map[string]*pendingRequest
	pendingRequestsMu sync.Mutex

	mu     sync.RWMutex
	done   chan struct{}
	exited chan struct{}
}

// NewClient wraps the CLI process pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithFields(zap.String("component", "claudecode-client")),
		done:            make(chan struct{}),
		exited:          make(chan struct{}),
		pendingRequests: make(map[string]*pendingRequest),
	}
}

// SetRequestHandler registers the permission/hook handler.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler registers the stream message handler.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start launches the read loop. The returned channel closes once the loop
// is consuming stdout.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop terminates the read loop. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Exited closes once the read loop has returned: stdout hit EOF (the CLI
// process died), the context was cancelled, or Stop was called. Callers
// watch it to tear down even when the CLI never produced a result.
func (c *Client) Exited() <-chan struct{} {
	return c.exited
}

// Initialize performs the stream-json handshake and waits for the CLI's
// capability response.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResponseData, error) {
	resp, err := c.roundTrip(ctx, timeout, SDKControlRequestBody{Subtype: SubtypeInitialize})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return resp.Response, nil
}

// Interrupt asks the CLI to abort the in-flight turn. The CLI finishes with
// a result message once the abort lands.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, timeout, SDKControlRequestBody{Subtype: SubtypeInterrupt})
	if err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

// SetPermissionMode switches the CLI's permission mode mid-session.
func (c *Client) SetPermissionMode(ctx context.Context, timeout time.Duration, mode string) error {
	_, err := c.roundTrip(ctx, timeout, SDKControlRequestBody{Subtype: SubtypeSetPermissionMode, Mode: mode})
	if err != nil {
		return fmt.Errorf("set permission mode: %w", err)
	}
	return nil
}

// roundTrip sends a host control request and waits for the matching
// control response.
func (c *Client) roundTrip(ctx context.Context, timeout time.Duration, body SDKControlRequestBody) (*IncomingControlResponse, error) {
	requestID := uuid.New().String()
	pending := &pendingRequest{ch: make(chan *IncomingControlResponse, 1)}

	c.pendingRequestsMu.Lock()
	c.pendingRequests[requestID] = pending
	c.pendingRequestsMu.Unlock()
	defer func() {
		c.pendingRequestsMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingRequestsMu.Unlock()
	}()

	if err := c.send(&SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%s timed out after %v", body.Subtype, timeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	}
}

// SendControlResponse replies to a CLI-initiated control request.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

// SendUserMessage submits a prompt.
func (c *Client) SendUserMessage(content string) error {
	return c.send(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to cli stdin: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.exited)

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("cli stdout read failed", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("unparseable cli line", zap.Error(err), zap.Int("len", len(line)))
		return
	}

	switch {
	case msg.Type == MessageTypeControlRequest && msg.Request != nil:
		c.handleControlRequest(msg.RequestID, msg.Request)
	case msg.Type == MessageTypeControlResponse && msg.Response != nil:
		c.handleControlResponse(msg.Response)
	default:
		c.mu.RLock()
		handler := c.messageHandler
		c.mu.RUnlock()
		if handler != nil {
			msg.RawContent = append([]byte(nil), line...)
			handler(&msg)
		}
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(requestID, req)
		return
	}

	c.logger.Warn("control request with no handler registered",
		zap.String("request_id", requestID),
		zap.String("subtype", req.Subtype))
	if err := c.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &ControlResponse{Subtype: "error", Error: "no handler registered"},
	}); err != nil {
		c.logger.Warn("sending error response", zap.Error(err))
	}
}

func (c *Client) handleControlResponse(resp *IncomingControlResponse) {
	c.pendingRequestsMu.Lock()
	pending, ok := c.pendingRequests[resp.RequestID]
	c.pendingRequestsMu.Unlock()

	if !ok {
		c.logger.Warn("control response for unknown request",
			zap.String("request_id", resp.RequestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	select {
	case pending.ch <- resp:
	default:
	}
}

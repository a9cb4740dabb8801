package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
)

// NotificationHandler receives server-initiated notifications (deltas,
// token counts, turn lifecycle).
type NotificationHandler func(method string, params json.RawMessage)

// ServerRequestHandler receives server-initiated requests, i.e. approval
// asks. The handler replies via SendResponse.
type ServerRequestHandler func(id interface{}, method string, params json.RawMessage)

// maxLineSize bounds one NDJSON line from the app-server; aggregated
// command output can get large.
const maxLineSize = 4 * 1024 * 1024

// Client frames the Codex app-server protocol over the subprocess pipes.
// The wire format is JSON-RPC shaped but omits the "jsonrpc" field, so
// incoming lines are discriminated structurally: id without method is a
// response, id with method is a request, method alone is a notification.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	requestID atomic.Int64
	pending   map[interface{}]chan *Response
	pendingMu sync.Mutex

	mu             sync.RWMutex
	onNotification NotificationHandler
	onRequest      ServerRequestHandler
	done           chan struct{}
}

// NewClient wraps the app-server process pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[interface{}]chan *Response),
		logger:  log.WithFields(zap.String("component", "codex-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler registers the notification handler.
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotification = handler
}

// SetRequestHandler registers the approval-request handler.
func (c *Client) SetRequestHandler(handler ServerRequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRequest = handler
}

// Start launches the read loop. The returned channel closes once the loop
// is consuming stdout.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop terminates the read loop and fails any in-flight calls. Safe to
// call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Call sends a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(&Request{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s: client closed", method)
	}
}

// CallResult performs Call and decodes the result into out when out is
// non-nil.
func (c *Client) CallResult(ctx context.Context, method string, params, out interface{}) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || resp.Result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: decoding result: %w", method, err)
	}
	return nil
}

// Notify sends a notification; no response is expected.
func (c *Client) Notify(method string, params interface{}) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

// SendResponse replies to a server-initiated request.
func (c *Client) SendResponse(id interface{}, result interface{}, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshaling result: %w", err)
		}
		resultJSON = data
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: respErr})
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return data, nil
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to app-server stdin: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
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
		c.logger.Error("app-server stdout read failed", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg struct {
		ID     interface{}     `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("unparseable app-server line", zap.Error(err), zap.Int("len", len(line)))
		return
	}

	hasID := msg.ID != nil
	hasMethod := msg.Method != ""

	switch {
	case hasID && !hasMethod && (msg.Result != nil || msg.Error != nil):
		c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
	case hasID && hasMethod:
		c.handleRequest(msg.ID, msg.Method, msg.Params)
	case hasMethod:
		c.handleNotification(msg.Method, msg.Params)
	default:
		c.logger.Warn("app-server line is neither request, response, nor notification")
	}
}

func (c *Client) handleResponse(resp *Response) {
	id := normalizeID(resp.ID)
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown request", zap.Any("id", resp.ID))
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// normalizeID maps JSON numbers back to the int64 keys used by Call.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	c.mu.RLock()
	handler := c.onNotification
	c.mu.RUnlock()
	if handler != nil {
		handler(method, params)
	}
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	c.mu.RLock()
	handler := c.onRequest
	c.mu.RUnlock()

	if handler != nil {
		handler(id, method, params)
		return
	}

	c.logger.Warn("server request with no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "method not found"}); err != nil {
		c.logger.Warn("sending method-not-found response", zap.Error(err))
	}
}

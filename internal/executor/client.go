// Package executor is the one-prompt worker runtime. The daemon spawns one
// agor-executor process per accepted prompt; it dials back over the
// websocket gateway with its spawn token, runs the vendor driver for the
// session's agentic tool, and forwards every write through the daemon so
// state changes broadcast from a single place.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/ids"
	"github.com/agor/agor/internal/common/logger"
	ws "github.com/agor/agor/pkg/websocket"
)

// ErrUnauthorized indicates the daemon rejected the spawn token at the ws
// handshake. The process exits with the auth failure code.
var ErrUnauthorized = errors.New("daemon rejected executor token")

const (
	dialTimeout  = 10 * time.Second
	callTimeout  = 30 * time.Second
	pingInterval = 30 * time.Second
)

// Client is the executor's RPC connection to the daemon: request/response
// frames correlated by id, plus notification callbacks per action.
type Client struct {
	conn   *websocket.Conn
	logger *logger.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *ws.Message

	notifyMu sync.RWMutex
	notify   map[string][]func(*ws.Message)

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the daemon's /ws endpoint with the spawn token. A 401
// handshake maps to ErrUnauthorized.
func Dial(ctx context.Context, daemonURL, token string, log *logger.Logger) (*Client, error) {
	u, err := url.Parse(daemonURL)
	if err != nil {
		return nil, fmt.Errorf("invalid daemon url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid daemon url scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to dial daemon: %w", err)
	}

	c := &Client{
		conn:    conn,
		logger:  log.WithFields(zap.String("component", "daemon-client")),
		pending: make(map[string]chan *ws.Message),
		notify:  make(map[string][]func(*ws.Message)),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// OnNotify registers a callback for notification frames with the given
// action. Must be called before the frames are expected; callbacks run on
// the read loop goroutine.
func (c *Client) OnNotify(action string, fn func(*ws.Message)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.notify[action] = append(c.notify[action], fn)
}

// Call sends a request frame and waits for the matching response. Error
// frames become errors; out (when non-nil) receives the response payload.
func (c *Client) Call(ctx context.Context, action string, payload, out interface{}) error {
	id := ids.New()
	req, err := ws.NewRequest(id, action, payload)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", action, err)
	}

	ch := make(chan *ws.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Type == ws.MessageTypeError {
			var ep ws.ErrorPayload
			if err := resp.ParsePayload(&ep); err != nil {
				return fmt.Errorf("%s failed", action)
			}
			return fmt.Errorf("%s failed: %s (%s)", action, ep.Message, ep.Code)
		}
		if out != nil {
			return resp.ParsePayload(out)
		}
		return nil
	case <-callCtx.Done():
		return fmt.Errorf("%s: %w", action, callCtx.Err())
	case <-c.done:
		return fmt.Errorf("%s: connection closed", action)
	}
}

// Notify sends a one-way notification frame.
func (c *Client) Notify(action string, payload interface{}) error {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		return fmt.Errorf("failed to build %s notification: %w", action, err)
	}
	return c.write(msg)
}

// Subscribe joins a broadcast room.
func (c *Client) Subscribe(ctx context.Context, channel string) error {
	return c.Call(ctx, ws.ActionSubscribe, ws.SubscribePayload{Channel: channel}, nil)
}

// Close tears the connection down; pending calls fail.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) write(msg *ws.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("Connection read failed", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}

		if msg.ID != "" && msg.Type != ws.MessageTypeNotification {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- &msg
				continue
			}
		}

		c.notifyMu.RLock()
		handlers := c.notify[msg.Action]
		c.notifyMu.RUnlock()
		for _, fn := range handlers {
			fn(&msg)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

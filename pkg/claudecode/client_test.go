package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestClientSendUserMessage(t *testing.T) {
	var stdin bytes.Buffer
	c := NewClient(&stdin, strings.NewReader(""), newTestLogger(t))

	require.NoError(t, c.SendUserMessage("hello"))

	var msg UserMessage
	require.NoError(t, json.Unmarshal(stdin.Bytes(), &msg))
	assert.Equal(t, MessageTypeUser, msg.Type)
	assert.Equal(t, "user", msg.Message.Role)
	assert.Equal(t, "hello", msg.Message.Content)
}

func TestClientStreamsMessagesToHandler(t *testing.T) {
	lines := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sdk-1","model":"claude-sonnet-4-5"}`,
		``,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"result","is_error":false,"duration_ms":1200,"total_cost_usd":0.01}`,
	}, "\n") + "\n"

	var stdin bytes.Buffer
	c := NewClient(&stdin, strings.NewReader(lines), newTestLogger(t))

	received := make(chan *CLIMessage, 8)
	c.SetMessageHandler(func(msg *CLIMessage) { received <- msg })
	<-c.Start(context.Background())

	var types []string
	for i := 0; i < 3; i++ {
		select {
		case msg := <-received:
			types = append(types, msg.Type)
			if msg.Type == MessageTypeSystem {
				assert.Equal(t, "sdk-1", msg.SessionID)
			}
			if msg.Type == MessageTypeResult {
				assert.Equal(t, int64(1200), msg.DurationMS)
				assert.NotNil(t, msg.Raw())
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	assert.Equal(t, []string{MessageTypeSystem, MessageTypeAssistant, MessageTypeResult}, types)
}

func TestClientRoutesControlRequests(t *testing.T) {
	line := `{"type":"control_request","request_id":"cr-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"toolu_01"}}` + "\n"

	var stdin bytes.Buffer
	c := NewClient(&stdin, strings.NewReader(line), newTestLogger(t))

	got := make(chan *ControlRequest, 1)
	c.SetRequestHandler(func(requestID string, req *ControlRequest) {
		assert.Equal(t, "cr-1", requestID)
		got <- req
	})
	<-c.Start(context.Background())

	select {
	case req := <-got:
		assert.Equal(t, SubtypeCanUseTool, req.Subtype)
		assert.Equal(t, "Bash", req.ToolName)
		assert.Equal(t, "ls", req.Input["command"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for control request")
	}
}

func TestClientAutoRejectsWithoutHandler(t *testing.T) {
	line := `{"type":"control_request","request_id":"cr-1","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	stdinR, stdinW := io.Pipe()
	c := NewClient(stdinW, strings.NewReader(line), newTestLogger(t))
	<-c.Start(context.Background())

	decoder := json.NewDecoder(stdinR)
	var resp ControlResponseMessage
	require.NoError(t, decoder.Decode(&resp))
	assert.Equal(t, MessageTypeControlResponse, resp.Type)
	assert.Equal(t, "cr-1", resp.RequestID)
	assert.Equal(t, "error", resp.Response.Subtype)
}

func TestClientInterruptRoundTrip(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	c := NewClient(stdinW, stdoutR, newTestLogger(t))
	<-c.Start(context.Background())

	go func() {
		decoder := json.NewDecoder(stdinR)
		var req SDKControlRequest
		if err := decoder.Decode(&req); err != nil {
			return
		}
		reply, _ := json.Marshal(map[string]interface{}{
			"type": MessageTypeControlResponse,
			"response": map[string]interface{}{
				"subtype":    "success",
				"request_id": req.RequestID,
			},
		})
		stdoutW.Write(append(reply, '\n'))
	}()

	require.NoError(t, c.Interrupt(context.Background(), time.Second))
	c.Stop()
}

func TestClientExitedSignalsOnEOF(t *testing.T) {
	var stdin bytes.Buffer
	c := NewClient(&stdin, strings.NewReader(`{"type":"system","subtype":"init"}`+"\n"), newTestLogger(t))
	<-c.Start(context.Background())

	select {
	case <-c.Exited():
	case <-time.After(time.Second):
		t.Fatal("read loop did not signal exit after stdout EOF")
	}
}

func TestClientStopIsIdempotent(t *testing.T) {
	c := NewClient(&bytes.Buffer{}, strings.NewReader(""), newTestLogger(t))
	c.Stop()
	c.Stop()
}

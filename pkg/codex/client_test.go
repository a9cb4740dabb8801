package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
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

func TestCallRoundTrip(t *testing.T) {
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	defer stdinWriter.Close()
	defer stdoutWriter.Close()

	client := NewClient(stdinWriter, stdoutReader, newTestLogger(t))
	<-client.Start(context.Background())
	defer client.Stop()

	// Echo server: answer every request with a thread result.
	go func() {
		scanner := bufio.NewScanner(stdinReader)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			reply := fmt.Sprintf(`{"id":%v,"result":{"thread":{"id":"th_1"}}}`+"\n", req.ID)
			if _, err := stdoutWriter.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result ThreadStartResult
	err := client.CallResult(ctx, MethodThreadStart, &ThreadStartParams{Cwd: "/tmp"}, &result)
	require.NoError(t, err)
	require.NotNil(t, result.Thread)
	assert.Equal(t, "th_1", result.Thread.ID)
}

func TestCallSurfacesServerError(t *testing.T) {
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	defer stdinWriter.Close()
	defer stdoutWriter.Close()

	client := NewClient(stdinWriter, stdoutReader, newTestLogger(t))
	<-client.Start(context.Background())
	defer client.Stop()

	go func() {
		scanner := bufio.NewScanner(stdinReader)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			reply := fmt.Sprintf(`{"id":%v,"error":{"code":-32602,"message":"bad cwd"}}`+"\n", req.ID)
			if _, err := stdoutWriter.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Call(ctx, MethodThreadStart, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad cwd")
}

func TestNotificationsAndRequestsAreDiscriminated(t *testing.T) {
	var stdin bytes.Buffer
	stdoutReader, stdoutWriter := io.Pipe()
	defer stdoutWriter.Close()

	client := NewClient(&stdin, stdoutReader, newTestLogger(t))

	notifications := make(chan string, 4)
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		notifications <- method
	})
	requests := make(chan string, 1)
	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		requests <- method
	})

	<-client.Start(context.Background())
	defer client.Stop()

	lines := []string{
		`{"method":"item/agentMessage/delta","params":{"threadId":"th_1","delta":"hi"}}`,
		`{"method":"token_count","params":{"info":{"totalTokenUsage":{"inputTokens":10}}}}`,
		`{"id":7,"method":"item/commandExecution/requestApproval","params":{"command":"rm -rf build"}}`,
	}
	for _, line := range lines {
		_, err := stdoutWriter.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}

	assert.Equal(t, NotifyItemAgentMessageDelta, <-notifications)
	assert.Equal(t, NotifyTokenCount, <-notifications)
	assert.Equal(t, NotifyCmdExecRequestApproval, <-requests)
}

func TestUnhandledRequestGetsMethodNotFound(t *testing.T) {
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	defer stdinWriter.Close()
	defer stdoutWriter.Close()

	client := NewClient(stdinWriter, stdoutReader, newTestLogger(t))
	<-client.Start(context.Background())
	defer client.Stop()

	_, err := stdoutWriter.Write([]byte(`{"id":3,"method":"item/fileChange/requestApproval","params":{}}` + "\n"))
	require.NoError(t, err)

	var resp Response
	decoder := json.NewDecoder(stdinReader)
	require.NoError(t, decoder.Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
	assert.Equal(t, float64(3), resp.ID)
}

func TestSendResponseEncodesDecision(t *testing.T) {
	var stdin bytes.Buffer
	client := NewClient(&stdin, bytes.NewReader(nil), newTestLogger(t))

	require.NoError(t, client.SendResponse(int64(9), &ApprovalResponse{Decision: DecisionAccept}, nil))

	var resp Response
	require.NoError(t, json.Unmarshal(stdin.Bytes(), &resp))
	var approval ApprovalResponse
	require.NoError(t, json.Unmarshal(resp.Result, &approval))
	assert.Equal(t, DecisionAccept, approval.Decision)
}

func TestStopIsIdempotent(t *testing.T) {
	client := NewClient(&bytes.Buffer{}, bytes.NewReader(nil), newTestLogger(t))
	client.Stop()
	client.Stop()

	ctx := context.Background()
	_, err := client.Call(ctx, MethodThreadStart, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client closed")
}

func TestFlexibleContent(t *testing.T) {
	t.Run("string form", func(t *testing.T) {
		var item Item
		require.NoError(t, json.Unmarshal([]byte(`{"type":"reasoning","summary":"thinking about it"}`), &item))
		assert.Equal(t, "thinking about it", item.Summary.Text())
	})

	t.Run("array form", func(t *testing.T) {
		var item Item
		require.NoError(t, json.Unmarshal([]byte(`{"type":"reasoning","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`), &item))
		assert.Equal(t, "ab", item.Content.Text())
	})

	t.Run("unrecognized shape is dropped", func(t *testing.T) {
		var item Item
		require.NoError(t, json.Unmarshal([]byte(`{"type":"reasoning","summary":42}`), &item))
		assert.Empty(t, item.Summary)
	})
}

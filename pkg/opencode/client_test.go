package opencode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
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

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(server.URL, "/srv/worktree", "pw", newTestLogger(t))
	t.Cleanup(client.Close)
	return client, server
}

func TestRequestCarriesAuthAndDirectory(t *testing.T) {
	var gotAuth, gotDirectory string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDirectory = r.URL.Query().Get("directory")
		_ = json.NewEncoder(w).Encode(SessionResponse{ID: "ses_1"})
	}))

	id, err := client.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ses_1", id)
	assert.Contains(t, gotAuth, "Basic ")
	assert.Equal(t, "/srv/worktree", gotDirectory)
}

func TestWaitForHealth(t *testing.T) {
	t.Run("retries until healthy", func(t *testing.T) {
		var calls atomic.Int32
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			healthy := calls.Add(1) >= 3
			_ = json.NewEncoder(w).Encode(HealthResponse{Healthy: healthy, Version: "1.0"})
		}))

		require.NoError(t, client.WaitForHealth(context.Background(), 5*time.Second))
		assert.GreaterOrEqual(t, calls.Load(), int32(3))
	})

	t.Run("reports last failure on timeout", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		err := client.WaitForHealth(context.Background(), 400*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})
}

func TestSendPrompt(t *testing.T) {
	t.Run("accepts info and parts response", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req PromptRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Len(t, req.Parts, 1)
			assert.Equal(t, "fix the flaky test", req.Parts[0].Text)
			_, _ = w.Write([]byte(`{"info":{"id":"msg_1"},"parts":[]}`))
		}))

		err := client.SendPrompt(context.Background(), "ses_1", PromptRequest{
			Parts: []TextPartInput{{Type: "text", Text: "fix the flaky test"}},
		})
		require.NoError(t, err)
	})

	t.Run("surfaces named errors", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"name":"ProviderAuthError","data":{"message":"no credentials"}}`))
		}))

		err := client.SendPrompt(context.Background(), "ses_1", PromptRequest{
			Parts: []TextPartInput{{Type: "text", Text: "hi"}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ProviderAuthError")
		assert.Contains(t, err.Error(), "no credentials")
	})
}

func TestReplyPermission(t *testing.T) {
	var got PermissionReplyRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/permission/perm_1/reply", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{}`))
	}))

	require.NoError(t, client.ReplyPermission(context.Background(), "perm_1", PermissionReplyReject, ""))
	assert.Equal(t, PermissionReplyReject, got.Reply)
	assert.NotEmpty(t, got.Message)
}

func TestModelContextWindow(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"all":[{"id":"anthropic","models":{"claude-sonnet":{"limit":{"context":200000}}}}]}`))
	}))

	window, err := client.ModelContextWindow(context.Background(), "anthropic", "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, int64(200000), window)

	window, err = client.ModelContextWindow(context.Background(), "anthropic", "unknown-model")
	require.NoError(t, err)
	assert.Zero(t, window)
}

func TestEventStream(t *testing.T) {
	events := []string{
		`{"type":"message.part.updated","properties":{"part":{"id":"prt_1","type":"text","sessionID":"ses_1","text":"hello"}}}`,
		`{"type":"message.part.updated","properties":{"part":{"id":"prt_2","type":"text","sessionID":"ses_other","text":"not ours"}}}`,
		`{"type":"session.error","properties":{"sessionID":"ses_1","error":{"name":"ProviderAuthError","data":{"message":"login required"}}}}`,
		`{"type":"session.idle","properties":{"sessionID":"ses_1"}}`,
	}

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/event", r.URL.Path)
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, event := range events {
			_, _ = w.Write([]byte("data: " + event + "\n\n"))
			flusher.Flush()
		}
	}))

	received := make(chan *Event, 10)
	client.SetEventHandler(func(event *Event) { received <- event })

	require.NoError(t, client.StartEventStream(context.Background(), "ses_1"))

	// Our part arrives; the other session's part is filtered out.
	first := <-received
	assert.Equal(t, EventMessagePartUpdated, first.Type)
	var props MessagePartUpdatedProperties
	require.NoError(t, first.DecodeProperties(&props))
	assert.Equal(t, "hello", props.Part.Text)

	var sawAuth, sawIdle bool
	timeout := time.After(5 * time.Second)
	for !(sawAuth && sawIdle) {
		select {
		case ctl := <-client.ControlChannel():
			switch ctl.Type {
			case ControlAuthRequired:
				sawAuth = true
				assert.Equal(t, "login required", ctl.Message)
			case ControlIdle:
				sawIdle = true
			}
		case <-timeout:
			t.Fatal("control events did not arrive")
		}
	}

	second := <-received
	assert.Equal(t, EventSessionError, second.Type)
}

func TestCloseIsIdempotent(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", "/srv", "pw", newTestLogger(t))
	client.Close()
	client.Close()
}

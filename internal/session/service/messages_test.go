package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/events/bus"
	"github.com/agor/agor/internal/session/repository"
	v1 "github.com/agor/agor/pkg/api/v1"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })
	return NewService(repository.NewMemory(), eventBus, log)
}

func createTestSession(t *testing.T, svc *Service) *v1.Session {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), v1.CreateSessionRequest{
		AgenticTool: v1.ToolClaudeCode,
		CreatedBy:   "alice",
	})
	require.NoError(t, err)
	return session
}

// requireGapFreeIndexes asserts the session's messages carry exactly the
// indexes 0..n-1 with no gaps and no duplicates.
func requireGapFreeIndexes(t require.TestingT, svc *Service, sessionID string, want int) {
	messages, err := svc.FindMessages(context.Background(), v1.FindMessagesRequest{SessionID: sessionID})
	require.NoError(t, err)
	require.Len(t, messages, want)
	for i, message := range messages {
		require.Equal(t, int64(i), message.Index, "index sequence must be gap-free")
	}
}

func TestCreateMessage(t *testing.T) {
	svc := newTestService(t)
	session := createTestSession(t, svc)

	t.Run("first message gets index zero", func(t *testing.T) {
		message, err := svc.CreateMessage(context.Background(), v1.CreateMessageRequest{
			SessionID: session.ID,
			Role:      v1.MessageRoleUser,
			Content:   []v1.ContentBlock{{Type: v1.BlockTypeText, Text: "hello"}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), message.Index)
		assert.Equal(t, "hello", message.ContentPreview)
	})

	t.Run("missing session is rejected", func(t *testing.T) {
		_, err := svc.CreateMessage(context.Background(), v1.CreateMessageRequest{
			SessionID: "no-such-session",
			Role:      v1.MessageRoleUser,
		})
		require.Error(t, err)
	})

	t.Run("missing role is invalid input", func(t *testing.T) {
		_, err := svc.CreateMessage(context.Background(), v1.CreateMessageRequest{
			SessionID: session.ID,
		})
		require.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestCreateMessageConcurrentIndexesAreGapFree(t *testing.T) {
	svc := newTestService(t)
	session := createTestSession(t, svc)

	const writers = 8
	const perWriter = 5

	errs := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := svc.CreateMessage(context.Background(), v1.CreateMessageRequest{
					SessionID: session.ID,
					Role:      v1.MessageRoleAssistant,
					Content:   []v1.ContentBlock{{Type: v1.BlockTypeText, Text: "chunk"}},
				})
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	requireGapFreeIndexes(t, svc, session.ID, writers*perWriter)
}

func TestCreateMessageIndexAllocationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc := newTestService(t)
		session := createTestSession(t, svc)

		writers := rapid.IntRange(1, 6).Draw(rt, "writers")
		perWriter := rapid.IntRange(1, 10).Draw(rt, "perWriter")

		errs := make(chan error, writers*perWriter)
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					_, err := svc.CreateMessage(context.Background(), v1.CreateMessageRequest{
						SessionID: session.ID,
						Role:      v1.MessageRoleUser,
						Content:   []v1.ContentBlock{{Type: v1.BlockTypeText, Text: "x"}},
					})
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(rt, err)
		}

		requireGapFreeIndexes(rt, svc, session.ID, writers*perWriter)
	})
}

func TestBuildContentPreview(t *testing.T) {
	t.Run("summarizes mixed blocks", func(t *testing.T) {
		preview := BuildContentPreview([]v1.ContentBlock{
			{Type: v1.BlockTypeThinking, Text: "secret plan"},
			{Type: v1.BlockTypeText, Text: "done"},
			{Type: v1.BlockTypeToolUse, ToolName: "Bash"},
		})
		assert.Equal(t, "[thinking] done [tool: Bash]", preview)
	})

	t.Run("truncates long text", func(t *testing.T) {
		preview := BuildContentPreview([]v1.ContentBlock{
			{Type: v1.BlockTypeText, Text: strings.Repeat("a", 500)},
		})
		assert.Len(t, preview, previewLimit)
	})

	t.Run("never splits a multibyte rune at the limit", func(t *testing.T) {
		preview := BuildContentPreview([]v1.ContentBlock{
			{Type: v1.BlockTypeText, Text: strings.Repeat("€", 100)},
		})
		assert.LessOrEqual(t, len(preview), previewLimit)
		assert.True(t, utf8.ValidString(preview), "preview must stay valid UTF-8")
		assert.Equal(t, 198, len(preview), "cut lands on the last full rune before the limit")
	})
}

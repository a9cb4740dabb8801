package daemon

import (
	"fmt"
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

func sequentialMint() func() (string, error) {
	n := 0
	return func() (string, error) {
		n++
		return fmt.Sprintf("token-%d", n), nil
	}
}

func TestTokenStoreIssueAndValidate(t *testing.T) {
	store := NewTokenStore(time.Hour, sequentialMint(), newTestLogger(t))

	token, err := store.Issue("sess-1", "task-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	sessionID, ok := store.Validate(token)
	require.True(t, ok)
	assert.Equal(t, "sess-1", sessionID)

	_, ok = store.Validate("bogus")
	assert.False(t, ok)
}

func TestTokenStoreRevokeTask(t *testing.T) {
	store := NewTokenStore(time.Hour, sequentialMint(), newTestLogger(t))

	token, err := store.Issue("sess-1", "task-1")
	require.NoError(t, err)

	store.RevokeTask("task-1")
	_, ok := store.Validate(token)
	assert.False(t, ok)

	// Revoking an unknown task is a no-op.
	store.RevokeTask("task-1")
	store.RevokeTask("never-issued")
}

func TestTokenStoreExpiry(t *testing.T) {
	store := NewTokenStore(20*time.Millisecond, sequentialMint(), newTestLogger(t))

	token, err := store.Issue("sess-1", "task-1")
	require.NoError(t, err)

	_, ok := store.Validate(token)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := store.Validate(token)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestTokenStoreReissueReplacesTaskBinding(t *testing.T) {
	store := NewTokenStore(time.Hour, sequentialMint(), newTestLogger(t))

	first, err := store.Issue("sess-1", "task-1")
	require.NoError(t, err)
	second, err := store.Issue("sess-1", "task-1")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	store.RevokeTask("task-1")
	_, ok := store.Validate(second)
	assert.False(t, ok)
}

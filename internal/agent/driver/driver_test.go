package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentevents "github.com/agor/agor/internal/agent/events"
	"github.com/agor/agor/internal/agent/permission"
	"github.com/agor/agor/internal/common/logger"
	v1 "github.com/agor/agor/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// fakeGate records requests and answers with a fixed decision.
type fakeGate struct {
	decision permission.Decision
	err      error
	requests []permission.ToolRequest
}

func (g *fakeGate) Gate(_ context.Context, req permission.ToolRequest) (permission.Decision, error) {
	g.requests = append(g.requests, req)
	return g.decision, g.err
}

func collect(events chan agentevents.ProcessedEvent) []agentevents.ProcessedEvent {
	close(events)
	var out []agentevents.ProcessedEvent
	for event := range events {
		out = append(out, event)
	}
	return out
}

func TestRegistry(t *testing.T) {
	log := newTestLogger(t)
	registry := NewRegistry()
	registry.Register(v1.ToolClaudeCode, NewClaudeDriver(log))
	registry.Register(v1.ToolCodex, NewCodexDriver(log))

	t.Run("lookup by tool name", func(t *testing.T) {
		d, err := registry.Lookup(v1.ToolClaudeCode)
		require.NoError(t, err)
		assert.Equal(t, "claude-code", d.Name())
	})

	t.Run("unknown tool errors", func(t *testing.T) {
		_, err := registry.Lookup(v1.AgenticTool("amp"))
		require.Error(t, err)
	})
}

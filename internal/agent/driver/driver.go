// Package driver runs prompts against the vendor coding agents. Each
// driver owns one vendor integration (subprocess or SDK), translates its
// wire events into the common ProcessedEvent stream, and routes tool
// permission asks through the arbiter.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	agentevents "github.com/agor/agor/internal/agent/events"
	"github.com/agor/agor/internal/agent/permission"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// ErrStopped is returned (or surfaced as a stopped event) when a turn is
// aborted by a stop request rather than failing.
var ErrStopped = errors.New("prompt stopped")

// ErrAuthTimeout indicates the vendor did not authenticate within the
// allowed window; the executor exits with the auth failure code.
var ErrAuthTimeout = errors.New("agent authentication timed out")

// Gate is the permission surface drivers call before any tool runs. It is
// satisfied by *permission.Arbiter.
type Gate interface {
	Gate(ctx context.Context, req permission.ToolRequest) (permission.Decision, error)
}

// PromptRequest carries everything one turn needs. Setup comes from
// Resolve and is shared across vendors; the rest identifies the turn.
type PromptRequest struct {
	Session *v1.Session
	TaskID  string
	Prompt  string
	Setup   *Setup
	Gate    Gate
}

// Driver executes prompts for one agentic tool. Prompt returns a channel
// that streams ProcessedEvents and closes after a terminal event (result
// or stopped). Stop aborts the session's in-flight turn natively.
type Driver interface {
	Name() string
	Prompt(ctx context.Context, req *PromptRequest) (<-chan agentevents.ProcessedEvent, error)
	Stop(sessionID string) error
}

// Registry maps tool names to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[v1.AgenticTool]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[v1.AgenticTool]Driver)}
}

// Register adds a driver under its tool name.
func (r *Registry) Register(tool v1.AgenticTool, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[tool] = d
}

// Lookup returns the driver for a tool.
func (r *Registry) Lookup(tool v1.AgenticTool) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[tool]
	if !ok {
		return nil, fmt.Errorf("no driver registered for tool %q", tool)
	}
	return d, nil
}

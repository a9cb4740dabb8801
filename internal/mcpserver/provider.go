package mcpserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
)

// DefaultConfig returns the default configuration. Port 0 picks an
// ephemeral port so the loopback server never collides with user services.
func DefaultConfig() Config {
	return Config{Port: 0}
}

// NewWithLogger creates a loopback MCP server with an explicit logger.
func NewWithLogger(cfg Config, api SessionAPI, log *logger.Logger) *Server {
	srv := New(cfg, api)
	srv.logger = log.WithFields(zap.String("component", "mcp-server"))
	return srv
}

// Provide starts the loopback MCP server and returns a cleanup function to
// stop it. Used by the daemon's wiring.
func Provide(ctx context.Context, cfg Config, api SessionAPI, log *logger.Logger) (*Server, func() error, error) {
	srv := NewWithLogger(cfg, api, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}

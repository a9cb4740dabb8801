// Package mcpserver provides the daemon's loopback MCP server. Agents
// running under Agor connect back to it with their session bearer token and
// use the agor_* tools to inspect their own session and post status updates.
// It exposes both transports on one port:
// - SSE transport (/sse) for Claude Code, Gemini, OpenCode
// - Streamable HTTP transport (/mcp) for Codex
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
)

// Config holds the loopback server configuration. Port 0 binds an ephemeral
// port; the bound port is readable from Config after Start.
type Config struct {
	Port int
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management.
type Server struct {
	cfg                  Config
	api                  SessionAPI
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates a loopback MCP server backed by the given session API.
func New(cfg Config, api SessionAPI) *Server {
	return &Server{
		cfg:    cfg,
		api:    api,
		logger: logger.Default().WithFields(),
	}
}

// Start binds the listener and serves both transports in a goroutine. It
// returns once the server is listening or the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"agor-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	registerTools(mcpServer, s.api, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler: requireBearer(mux),
	}

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("loopback MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("loopback MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server and both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}

	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}

	return nil
}

// BaseURL returns the address clients dial. The /mcp and /sse paths hang
// off this; session setup appends the right one per vendor.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.cfg.Port)
}

// SSEEndpoint returns the full SSE URL for SSE-transport clients.
func (s *Server) SSEEndpoint() string {
	return s.BaseURL() + "/sse"
}

// StreamableHTTPEndpoint returns the full Streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return s.BaseURL() + "/mcp"
}

type bearerTokenKey struct{}

// requireBearer rejects requests without an Authorization bearer token and
// stashes the token in the request context for tool handlers to check
// against the target session. The token value itself is never logged.
func requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), bearerTokenKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerFromContext(ctx context.Context) string {
	token, _ := ctx.Value(bearerTokenKey{}).(string)
	return token
}

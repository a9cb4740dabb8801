// Package main is the entry point for agord, the Agor daemon. It wires the
// storage layer, the event bus, the websocket gateway, the prompt pipeline,
// and the loopback MCP server, then serves until signalled.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/config"
	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/common/tracing"
	"github.com/agor/agor/internal/daemon"
	"github.com/agor/agor/internal/db"
	"github.com/agor/agor/internal/events/bus"
	"github.com/agor/agor/internal/gateway/handlers"
	gateway "github.com/agor/agor/internal/gateway/websocket"
	"github.com/agor/agor/internal/mcpserver"
	"github.com/agor/agor/internal/secrets"
	"github.com/agor/agor/internal/session/repository"
	"github.com/agor/agor/internal/session/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("daemon failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, otherwise in-process.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		eventBus = natsBus
		log.Info("using NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	pool, closeDB, err := db.Open(&cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := closeDB(); err != nil {
			log.Error("failed to close database", zap.Error(err))
		}
	}()

	repo, err := repository.NewStore(pool)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	sessions := service.NewService(repo, eventBus, log)

	// Secrets: encrypted at rest under the Agor config dir, rendered into
	// executor environments at spawn time.
	crypto, err := secrets.NewMasterKeyProvider(configDir())
	if err != nil {
		return fmt.Errorf("failed to initialize secret key: %w", err)
	}
	secretStore, closeSecrets, err := secrets.Provide(pool.Writer(), pool.Reader(), crypto)
	if err != nil {
		return fmt.Errorf("failed to initialize secret store: %w", err)
	}
	defer func() {
		if err := closeSecrets(); err != nil {
			log.Error("failed to close secret store", zap.Error(err))
		}
	}()
	secretsSvc := secrets.NewService(secretStore, log)

	// Loopback MCP server: lets agents query their own session state.
	var mcpBaseURL string
	if cfg.MCP.LoopbackEnabled {
		mcpSrv, stopMCP, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.LoopbackPort}, sessions, log)
		if err != nil {
			return fmt.Errorf("failed to start loopback MCP server: %w", err)
		}
		defer func() {
			if err := stopMCP(); err != nil {
				log.Error("failed to stop MCP server", zap.Error(err))
			}
		}()
		mcpBaseURL = mcpSrv.BaseURL()
		log.Info("loopback MCP server listening", zap.String("base_url", mcpBaseURL))
	}

	gw := gateway.NewGateway(log)

	tokens := daemon.NewTokenStore(cfg.Executor.TokenTTLDuration(), mintToken, log)
	gw.Handler.SetTokenValidator(tokens)

	daemonURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	spawner := daemon.NewSpawner(cfg.Executor, daemonURL, mcpBaseURL, secrets.NewResolver(secretStore), log)

	prompts := daemon.NewPromptService(sessions, daemon.NewPromptQueue(), tokens, spawner, eventBus, log)
	if err := prompts.Start(ctx); err != nil {
		return fmt.Errorf("failed to start prompt service: %w", err)
	}

	handlers.New(sessions, prompts, eventBus, log).RegisterAll(gw.Dispatcher)
	gateway.RegisterBusBridge(ctx, eventBus, gw.Hub, log)

	server := daemon.NewServer(cfg.Server, sessions, prompts, gw, log)
	secrets.RegisterRoutes(server.Router(), gw.Dispatcher, secretsSvc, log)
	server.Start()

	log.Info("agord started",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Driver))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agord...")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down HTTP server", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down tracing", zap.Error(err))
	}

	log.Info("agord stopped")
	return nil
}

// configDir is where the master key and default SQLite database live.
func configDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".agor")
	}
	return ".agor"
}

// mintToken generates a 256-bit executor spawn token.
func mintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to mint token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

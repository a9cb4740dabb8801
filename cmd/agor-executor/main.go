// Package main is the entry point for the agor-executor binary. The daemon
// spawns one executor per accepted prompt; the process dials back over the
// websocket gateway with its spawn token, runs the session's vendor agent
// for a single turn, and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/executor"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// Exit codes the daemon can tell apart: a rejected spawn token means the
// task was already superseded, not that the turn failed.
const (
	exitOK           = 0
	exitFailure      = 1
	exitUnauthorized = 2
	exitUsage        = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		daemonURL      = flag.String("daemon-url", "", "daemon base URL to dial back to")
		token          = flag.String("session-token", "", "spawn token issued by the daemon")
		sessionID      = flag.String("session-id", "", "session this run belongs to")
		taskID         = flag.String("task-id", "", "task this run reports against")
		tool           = flag.String("tool", "", "agentic tool driving the session")
		prompt         = flag.String("prompt", "", "prompt text for this turn")
		permissionMode = flag.String("permission-mode", "", "permission mode override for this turn")
		cwd            = flag.String("cwd", "", "working directory for the agent")
		mcpURL         = flag.String("mcp-url", "", "daemon loopback MCP base URL")
		logLevel       = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if *daemonURL == "" || *token == "" || *sessionID == "" || *taskID == "" || *prompt == "" {
		fmt.Fprintln(os.Stderr, "agor-executor: --daemon-url, --session-token, --session-id, --task-id and --prompt are required")
		flag.Usage()
		return exitUsage
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevel,
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agor-executor: failed to initialize logger: %v\n", err)
		return exitFailure
	}
	defer log.Sync()

	opts := executor.Options{
		SessionID:  *sessionID,
		TaskID:     *taskID,
		Tool:       v1.AgenticTool(*tool),
		Prompt:     *prompt,
		Workdir:    *cwd,
		MCPBaseURL: *mcpURL,
	}
	if *permissionMode != "" {
		mode := v1.PermissionMode(*permissionMode)
		opts.PermissionMode = &mode
	}

	// SIGTERM/SIGINT cancel the turn; the driver surfaces a stopped event
	// and the runtime records it, so a signalled exit is a clean one.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := executor.Dial(ctx, *daemonURL, *token, log)
	if err != nil {
		if errors.Is(err, executor.ErrUnauthorized) {
			log.Error("daemon rejected spawn token", zap.String("task_id", *taskID))
			return exitUnauthorized
		}
		log.Error("failed to reach daemon", zap.Error(err))
		return exitFailure
	}
	defer client.Close()

	log.Info("executor starting",
		zap.String("session_id", *sessionID),
		zap.String("task_id", *taskID),
		zap.String("tool", *tool))

	runtime := executor.NewRuntime(executor.NewDaemonAPI(client), client, log)
	if err := runtime.Run(ctx, opts); err != nil {
		log.Error("turn failed", zap.String("task_id", *taskID), zap.Error(err))
		return exitFailure
	}

	log.Info("executor finished", zap.String("task_id", *taskID))
	return exitOK
}

package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/config"
	"github.com/agor/agor/internal/common/logger"
	v1 "github.com/agor/agor/pkg/api/v1"
)

const executorBinaryName = "agor-executor"

// SecretEnv renders user-stored secrets as environment variables for
// executor processes.
type SecretEnv interface {
	EnvMap(ctx context.Context) (map[string]string, error)
}

// TaskSpawner launches the executor runtime for one accepted prompt.
type TaskSpawner interface {
	Spawn(ctx context.Context, req SpawnRequest) error
}

// Spawner launches one agor-executor process per prompt.
type Spawner struct {
	cfg        config.ExecutorConfig
	daemonURL  string
	mcpBaseURL string
	secrets    SecretEnv
	logger     *logger.Logger
}

// NewSpawner creates an executor spawner. daemonURL is the ws URL
// advertised to workers; mcpBaseURL is the daemon's loopback MCP endpoint
// (empty disables it); secrets may be nil.
func NewSpawner(cfg config.ExecutorConfig, daemonURL, mcpBaseURL string, secrets SecretEnv, log *logger.Logger) *Spawner {
	if cfg.DaemonURL != "" {
		daemonURL = cfg.DaemonURL
	}
	return &Spawner{
		cfg:        cfg,
		daemonURL:  daemonURL,
		mcpBaseURL: mcpBaseURL,
		secrets:    secrets,
		logger:     log.WithFields(zap.String("component", "executor-spawner")),
	}
}

// SpawnRequest carries everything one executor run needs.
type SpawnRequest struct {
	Session        *v1.Session
	Task           *v1.Task
	Token          string
	Prompt         string
	PermissionMode *v1.PermissionMode
	Workdir        string
}

// Spawn starts the executor process detached. The process reports its
// progress back over the daemon websocket; Spawn only fails when the
// process cannot start at all.
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) error {
	binary, err := s.resolveBinary()
	if err != nil {
		return err
	}

	args := []string{
		"--daemon-url", s.daemonURL,
		"--session-token", req.Token,
		"--session-id", req.Session.ID,
		"--task-id", req.Task.ID,
		"--tool", string(req.Session.AgenticTool),
		"--prompt", req.Prompt,
	}
	if req.PermissionMode != nil {
		args = append(args, "--permission-mode", string(*req.PermissionMode))
	}
	if req.Workdir != "" {
		args = append(args, "--cwd", req.Workdir)
	}
	if s.mcpBaseURL != "" {
		args = append(args, "--mcp-url", s.mcpBaseURL)
	}

	cmd := exec.Command(binary, args...)
	cmd.Env = s.buildEnv(ctx)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}

	s.logger.Info("spawned executor",
		zap.String("session_id", req.Session.ID),
		zap.String("task_id", req.Task.ID),
		zap.String("tool", string(req.Session.AgenticTool)),
		zap.Int("pid", cmd.Process.Pid))

	// Reap the process in the background so it never zombies; its exit
	// status is informational, the task record is the source of truth.
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Warn("executor exited with error",
				zap.String("task_id", req.Task.ID),
				zap.Error(err))
		}
	}()

	return nil
}

// resolveBinary finds the executor binary: explicit config path, then next
// to the daemon executable, then PATH.
func (s *Spawner) resolveBinary() (string, error) {
	if s.cfg.BinaryPath != "" {
		if _, err := os.Stat(s.cfg.BinaryPath); err != nil {
			return "", fmt.Errorf("executor binary %s: %w", s.cfg.BinaryPath, err)
		}
		return s.cfg.BinaryPath, nil
	}

	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), executorBinaryName)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}

	binary, err := exec.LookPath(executorBinaryName)
	if err != nil {
		return "", fmt.Errorf("executor binary not found: %w", err)
	}
	return binary, nil
}

// buildEnv assembles the executor environment: the inherited system
// environment, overlaid with stored secrets, overlaid with the per-user
// config map. User configuration always wins over the system environment.
func (s *Spawner) buildEnv(ctx context.Context) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			merged[key] = value
		}
	}

	if s.secrets != nil {
		secretEnv, err := s.secrets.EnvMap(ctx)
		if err != nil {
			s.logger.Warn("failed to load secret environment", zap.Error(err))
		} else {
			for key, value := range secretEnv {
				merged[key] = value
			}
		}
	}

	for key, value := range s.cfg.Env {
		merged[key] = value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+merged[key])
	}
	return env
}

package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/agent/mcp"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// staleSessionAge is how old a vendor conversation may be before resume
// is abandoned in favor of a fresh context.
const staleSessionAge = 24 * time.Hour

// Thinking budgets for the auto keyword tiers.
const (
	thinkBudget       = 4000
	thinkHardBudget   = 10000
	thinkHarderBudget = 31999
	ultrathinkBudget  = 31999
)

// SetupInput is the raw material for Resolve: the session, the prompt's
// overrides, and the environment the executor observed.
type SetupInput struct {
	Session            *v1.Session
	Prompt             string
	ModelOverride      string
	PermissionOverride *v1.PermissionMode
	WorkdirOverride    string
	WorktreePath       string

	// MCP server sets by scope; merged session > repo > global.
	GlobalMCP  []v1.MCPServer
	RepoMCP    []v1.MCPServer
	SessionMCP []v1.MCPServer

	// LoopbackBaseURL enables the daemon's own MCP endpoint when set.
	LoopbackBaseURL string

	// ParentSdkSessionID resumes the parent's vendor conversation when a
	// forked session runs its first prompt.
	ParentSdkSessionID string

	Now time.Time
}

// Setup is the resolved per-turn configuration shared by all drivers.
type Setup struct {
	Model          string
	Workdir        string
	PermissionMode v1.PermissionMode
	ThinkingTokens int
	MCPServers     []v1.MCPServer

	// SdkSessionID is the vendor conversation to resume; empty starts a
	// fresh context. ForkSession asks the vendor for a new id on resume.
	SdkSessionID string
	ForkSession  bool

	// ClearSdkSession reports that a persisted continuation token was
	// abandoned. The caller must clear it so the fresh turn's vendor id
	// gets captured in its place.
	ClearSdkSession bool

	Warnings []string
}

// Resolve performs the shared prompt setup: model and workdir resolution,
// permission mode, thinking budget, MCP merge, and the resume decision.
func Resolve(in SetupInput, logger *zap.Logger) (*Setup, error) {
	if in.Session == nil {
		return nil, fmt.Errorf("setup requires a session")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	setup := &Setup{
		Model:          in.Session.ModelConfig.Model,
		PermissionMode: in.Session.PermissionConfig.Mode,
	}
	if in.ModelOverride != "" {
		setup.Model = in.ModelOverride
	}
	if in.PermissionOverride != nil {
		setup.PermissionMode = *in.PermissionOverride
	}
	if setup.PermissionMode == "" {
		setup.PermissionMode = v1.PermissionModeDefault
	}

	workdir, warnings, err := resolveWorkdir(in.WorkdirOverride, in.WorktreePath)
	if err != nil {
		return nil, err
	}
	setup.Workdir = workdir
	setup.Warnings = warnings
	for _, warning := range warnings {
		logger.Warn(warning, zap.String("session_id", in.Session.ID))
	}

	setup.ThinkingTokens = resolveThinkingBudget(in.Session.ModelConfig, in.Prompt)

	session := append([]v1.MCPServer(nil), in.SessionMCP...)
	if in.LoopbackBaseURL != "" {
		session = append(session, mcp.Loopback(in.LoopbackBaseURL, in.Session.MCPToken))
	}
	setup.MCPServers = mcp.Merge(in.GlobalMCP, in.RepoMCP, session)

	resolveResume(setup, in, now)
	return setup, nil
}

// resolveWorkdir picks the directory the agent runs in: explicit override
// (must exist), then the worktree path, then the current directory.
func resolveWorkdir(override, worktreePath string) (string, []string, error) {
	var warnings []string

	switch {
	case override != "":
		info, err := os.Stat(override)
		if err != nil || !info.IsDir() {
			return "", nil, fmt.Errorf("workdir override %s is not a directory", override)
		}
		warnings = append(warnings, warnMissingGit(override)...)
		return override, warnings, nil

	case worktreePath != "":
		if info, err := os.Stat(worktreePath); err == nil && info.IsDir() {
			warnings = append(warnings, warnMissingGit(worktreePath)...)
			return worktreePath, warnings, nil
		}
		warnings = append(warnings, fmt.Sprintf("worktree path %s missing, falling back to current directory", worktreePath))
		fallthrough

	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", nil, fmt.Errorf("resolving working directory: %w", err)
		}
		if worktreePath == "" {
			warnings = append(warnings, "session has no worktree, running in current directory")
		}
		warnings = append(warnings, warnMissingGit(cwd)...)
		return cwd, warnings, nil
	}
}

func warnMissingGit(dir string) []string {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return []string{fmt.Sprintf("%s is not a git repository, checkpointing disabled", dir)}
	}
	return nil
}

// thinkingTiers in match-precedence order: the strongest phrase present
// in the prompt wins.
var thinkingTiers = []struct {
	phrase string
	budget int
}{
	{"ultrathink", ultrathinkBudget},
	{"think harder", thinkHarderBudget},
	{"think hard", thinkHardBudget},
	{"think", thinkBudget},
}

func resolveThinkingBudget(cfg v1.ModelConfig, prompt string) int {
	switch cfg.ThinkingMode {
	case v1.ThinkingModeOff:
		return 0
	case v1.ThinkingModeManual:
		return cfg.ManualThinkingTokens
	default:
		lowered := strings.ToLower(prompt)
		for _, tier := range thinkingTiers {
			if strings.Contains(lowered, tier.phrase) {
				return tier.budget
			}
		}
		return 0
	}
}

// resolveResume decides whether the vendor conversation is resumed,
// forked, or abandoned. Resume is dropped when the session went stale,
// the worktree disappeared, or an MCP server was added after the vendor
// conversation last advanced; continuing would hand the agent a context
// that no longer matches its environment.
func resolveResume(setup *Setup, in SetupInput, now time.Time) {
	sdkSessionID := ""
	if in.Session.SdkSessionID != nil {
		sdkSessionID = *in.Session.SdkSessionID
	}
	if sdkSessionID == "" && in.ParentSdkSessionID != "" {
		setup.SdkSessionID = in.ParentSdkSessionID
		setup.ForkSession = true
		return
	}
	if sdkSessionID == "" {
		return
	}

	drop := func(reason string) {
		setup.ClearSdkSession = true
		setup.Warnings = append(setup.Warnings, "starting fresh context: "+reason)
	}

	if now.Sub(in.Session.LastUpdated) > staleSessionAge {
		drop(fmt.Sprintf("vendor session older than %s", staleSessionAge))
		return
	}
	if in.WorktreePath != "" {
		if info, err := os.Stat(in.WorktreePath); err != nil || !info.IsDir() {
			drop("worktree no longer exists")
			return
		}
	}
	if t := newestMCPAddition(setup.MCPServers); !t.IsZero() && t.After(in.Session.LastUpdated) {
		drop("mcp servers changed since last turn")
		return
	}

	setup.SdkSessionID = sdkSessionID
}

func newestMCPAddition(servers []v1.MCPServer) time.Time {
	var newest time.Time
	for _, server := range servers {
		if server.ID == mcp.LoopbackID {
			continue
		}
		if server.CreatedAt.After(newest) {
			newest = server.CreatedAt
		}
	}
	return newest
}

// AllowedToolNames lists the mcp__<name> prefixes for the merged set, in
// stable order, for vendors that take an allow-list up front.
func (s *Setup) AllowedToolNames() []string {
	names := mcp.AllowedToolPrefixes(s.MCPServers)
	sort.Strings(names)
	return names
}

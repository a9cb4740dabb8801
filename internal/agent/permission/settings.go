package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// settingsRelPath is where project-scope approvals live inside a worktree.
const settingsRelPath = ".claude/settings.json"

// MergeAllowedTool records a project-scope approval by merging the tool
// into <worktree>/.claude/settings.json under permissions.allow.tools.
// Unknown fields in the file are preserved; the write is a rename of a
// temp file so a crash never leaves a truncated settings file.
func MergeAllowedTool(worktreePath, toolName string) error {
	path := filepath.Join(worktreePath, settingsRelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}

	settings := make(map[string]interface{})
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("reading %s: %w", path, err)
	}

	tools := toolList(settings)
	for _, existing := range tools {
		if existing == toolName {
			return nil
		}
	}
	setToolList(settings, append(tools, toolName))

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// AllowedTools reads the project-scope allow-list; a missing file is an
// empty list.
func AllowedTools(worktreePath string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, settingsRelPath))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	settings := make(map[string]interface{})
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	return toolList(settings), nil
}

func toolList(settings map[string]interface{}) []string {
	permissions, _ := settings["permissions"].(map[string]interface{})
	allowBlock, _ := permissions["allow"].(map[string]interface{})
	raw, _ := allowBlock["tools"].([]interface{})
	tools := make([]string, 0, len(raw))
	for _, entry := range raw {
		if tool, ok := entry.(string); ok {
			tools = append(tools, tool)
		}
	}
	return tools
}

func setToolList(settings map[string]interface{}, tools []string) {
	permissions, ok := settings["permissions"].(map[string]interface{})
	if !ok {
		permissions = make(map[string]interface{})
		settings["permissions"] = permissions
	}
	allowBlock, ok := permissions["allow"].(map[string]interface{})
	if !ok {
		allowBlock = make(map[string]interface{})
		permissions["allow"] = allowBlock
	}
	allowBlock["tools"] = tools
}

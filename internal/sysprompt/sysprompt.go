// Package sysprompt centralizes the system-level instructions Agor
// injects into agent conversations.
//
// Injected content is wrapped in <agor-system> tags so it can be
// stripped before rendering conversations to users.
package sysprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Tags marking system-injected content.
const (
	TagStart = "<agor-system>"
	TagEnd   = "</agor-system>"
)

var systemTagRegex = regexp.MustCompile(`<agor-system>[\s\S]*?</agor-system>\s*`)

// StripSystemContent removes all <agor-system> blocks from text.
func StripSystemContent(text string) string {
	return systemTagRegex.ReplaceAllString(text, "")
}

// Wrap marks content as system-injected.
func Wrap(content string) string {
	return TagStart + content + TagEnd
}

// PlanMode is prepended when the session runs in plan mode.
const PlanMode = `PLAN MODE ACTIVE - READ-ONLY RESTRICTIONS:
You are in plan mode. You MUST NOT use any writing, modifying, or destructive tools.
This includes but is not limited to: file writes, file deletes, git commits, shell commands that modify state.
You CAN use read-only tools (file reads, searches, code analysis).
Focus on analyzing the request and producing a detailed plan. This restriction applies to THIS PROMPT ONLY.`

// sessionContext gives agents the identifiers Agor's loopback MCP tools
// require.
const sessionContext = `AGOR SESSION CONTEXT:
- Agor Session ID: %s
- Agor Task ID: %s
- Use these IDs when calling Agor MCP tools that take session_id or task_id parameters.
- Progress you report through Agor tools is visible to every user watching this session.`

// FormatSessionContext renders the session context with ids injected.
func FormatSessionContext(sessionID, taskID string) string {
	return fmt.Sprintf(sessionContext, sessionID, taskID)
}

// InjectSessionContext prepends the wrapped session context to a prompt.
func InjectSessionContext(sessionID, taskID, prompt string) string {
	return Wrap(FormatSessionContext(sessionID, taskID)) + "\n\n" + prompt
}

// InjectPlanMode prepends the wrapped plan-mode instructions to a prompt.
func InjectPlanMode(prompt string) string {
	return Wrap(PlanMode) + "\n\n" + prompt
}

// Interpolate replaces template placeholders with turn values. Supported:
// {session_id}, {task_id}.
func Interpolate(template, sessionID, taskID string) string {
	result := strings.ReplaceAll(template, "{session_id}", sessionID)
	return strings.ReplaceAll(result, "{task_id}", taskID)
}

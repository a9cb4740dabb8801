// Package normalizer converts vendor-specific SDK result payloads into the
// common NormalizedSdkData shape and computes the session-level cumulative
// context window. Each agentic tool registers one Normalizer; the registry
// is keyed by tool name.
//
// Vendors report token accounting differently: Claude Code emits per-model
// usage maps, Codex reports cumulative totals across the whole thread, and
// Gemini reports per-turn counts only. Normalization reduces all of them to
// per-turn fresh tokens so the cumulative figure stays explainable.
package normalizer

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
)

// Store is the read surface the normalizer needs: prior tasks for the
// Codex cumulative→delta rule and messages for compaction detection.
type Store interface {
	CompletedTasks(ctx context.Context, sessionID string, limit int) ([]*v1.Task, error)
	FindMessages(ctx context.Context, filter v1.FindMessagesRequest) ([]*v1.Message, error)
}

// Context carries the session lookup surface into a normalization call.
type Context struct {
	SessionID     string
	CurrentTaskID string
	Store         Store
}

// Normalizer converts one vendor's raw result payload.
type Normalizer interface {
	// Normalize extracts token usage and model metadata from the raw
	// payload. Re-running on the same payload yields an identical result.
	Normalize(ctx context.Context, raw map[string]interface{}, nctx Context) (*v1.NormalizedSdkData, error)
}

// Registry maps tool names to their normalizers.
type Registry struct {
	normalizers map[v1.AgenticTool]Normalizer
}

// NewRegistry creates a registry with all supported tools registered.
func NewRegistry() *Registry {
	return &Registry{
		normalizers: map[v1.AgenticTool]Normalizer{
			v1.ToolClaudeCode: &ClaudeNormalizer{},
			v1.ToolCodex:      &CodexNormalizer{},
			v1.ToolGemini:     &GeminiNormalizer{},
			v1.ToolOpenCode:   &OpenCodeNormalizer{},
		},
	}
}

// Lookup returns the normalizer for a tool, or nil when the tool is
// unknown. Callers treat nil as "no normalized data".
func (r *Registry) Lookup(tool v1.AgenticTool) Normalizer {
	return r.normalizers[tool]
}

// Normalize runs the tool's normalizer; unknown tools yield (nil, nil).
func (r *Registry) Normalize(ctx context.Context, tool v1.AgenticTool, raw map[string]interface{}, nctx Context) (*v1.NormalizedSdkData, error) {
	n := r.Lookup(tool)
	if n == nil {
		return nil, nil
	}
	return n.Normalize(ctx, raw, nctx)
}

// numField walks a nested map path and returns the numeric leaf. JSON
// decoding produces float64; int64 values from in-process maps are also
// accepted.
func numField(m map[string]interface{}, path ...string) (float64, bool) {
	current := m
	for i, key := range path {
		value, ok := current[key]
		if !ok {
			return 0, false
		}
		if i == len(path)-1 {
			switch n := value.(type) {
			case float64:
				return n, true
			case int64:
				return float64(n), true
			case int:
				return float64(n), true
			case int32:
				return float64(n), true
			}
			return 0, false
		}
		current, ok = value.(map[string]interface{})
		if !ok {
			return 0, false
		}
	}
	return 0, false
}

// lookupNum returns the first of the given flat keys holding a number.
// Multiple spellings are accepted because payloads reach us both straight
// from the vendor and after a JSON round-trip through task storage.
func lookupNum(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, key := range keys {
		if value, ok := numField(m, key); ok {
			return value, true
		}
	}
	return 0, false
}

// firstNum is lookupNum with a zero default.
func firstNum(m map[string]interface{}, keys ...string) float64 {
	value, _ := lookupNum(m, keys...)
	return value
}

// mapField returns a nested map value.
func mapField(m map[string]interface{}, path ...string) (map[string]interface{}, bool) {
	current := m
	for _, key := range path {
		value, ok := current[key]
		if !ok {
			return nil, false
		}
		current, ok = value.(map[string]interface{})
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// strField returns a nested string value.
func strField(m map[string]interface{}, path ...string) (string, bool) {
	parent := m
	if len(path) > 1 {
		var ok bool
		parent, ok = mapField(m, path[:len(path)-1]...)
		if !ok {
			return "", false
		}
	}
	value, ok := parent[path[len(path)-1]].(string)
	return value, ok
}

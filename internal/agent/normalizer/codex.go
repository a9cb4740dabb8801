package normalizer

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
)

// codexDefaultContextWindow is the GPT-5 family input window used when the
// payload carries no modelContextWindow.
const codexDefaultContextWindow = 272000

// CodexNormalizer handles Codex app-server token_count payloads. Codex
// reports thread-cumulative totals, so the per-turn figure is the delta
// against the most recent prior completed task that carried a Codex
// payload. Tasks that never completed or never produced usage are skipped
// when locating that baseline.
type CodexNormalizer struct{}

func (n *CodexNormalizer) Normalize(ctx context.Context, raw map[string]interface{}, nctx Context) (*v1.NormalizedSdkData, error) {
	cumulative, ok := codexUsage(raw)
	if !ok {
		return &v1.NormalizedSdkData{ContextWindowLimit: codexDefaultContextWindow}, nil
	}

	data := &v1.NormalizedSdkData{ContextWindowLimit: codexDefaultContextWindow}
	if window, ok := numField(raw, "info", "modelContextWindow"); ok && int64(window) > 0 {
		data.ContextWindowLimit = int64(window)
	}
	if model, ok := strField(raw, "model"); ok {
		data.PrimaryModel = &model
	}

	baseline := n.priorCumulative(ctx, nctx)
	data.TokenUsage = v1.TokenUsage{
		InputTokens:         clampDelta(cumulative.InputTokens, baseline.InputTokens),
		OutputTokens:        clampDelta(cumulative.OutputTokens, baseline.OutputTokens),
		CacheReadTokens:     clampDelta(cumulative.CacheReadTokens, baseline.CacheReadTokens),
		CacheCreationTokens: 0,
	}
	data.TokenUsage.TotalTokens = data.TokenUsage.InputTokens + data.TokenUsage.OutputTokens
	return data, nil
}

// priorCumulative finds the cumulative usage reported by the newest prior
// completed task. A zero baseline means this is the thread's first turn or
// the lookup failed; the cumulative totals then pass through unchanged.
func (n *CodexNormalizer) priorCumulative(ctx context.Context, nctx Context) v1.TokenUsage {
	if nctx.Store == nil || nctx.SessionID == "" {
		return v1.TokenUsage{}
	}
	tasks, err := nctx.Store.CompletedTasks(ctx, nctx.SessionID, contextWindowTaskLimit)
	if err != nil {
		return v1.TokenUsage{}
	}
	for i := len(tasks) - 1; i >= 0; i-- {
		task := tasks[i]
		if task.ID == nctx.CurrentTaskID || task.RawSdkResponse == nil {
			continue
		}
		if usage, ok := codexUsage(task.RawSdkResponse); ok {
			return usage
		}
	}
	return v1.TokenUsage{}
}

// codexUsage extracts the cumulative totals from a token_count payload.
func codexUsage(raw map[string]interface{}) (v1.TokenUsage, bool) {
	total, ok := mapField(raw, "info", "totalTokenUsage")
	if !ok {
		return v1.TokenUsage{}, false
	}
	usage := v1.TokenUsage{
		InputTokens:     int64(firstNum(total, "inputTokens", "input_tokens")),
		OutputTokens:    int64(firstNum(total, "outputTokens", "output_tokens")),
		CacheReadTokens: int64(firstNum(total, "cachedInputTokens", "cached_input_tokens")),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return usage, true
}

func clampDelta(current, prior int64) int64 {
	if current < prior {
		// Codex resets its counters after an internal compaction.
		return current
	}
	return current - prior
}

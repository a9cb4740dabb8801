package normalizer

import (
	"context"
	"sort"

	v1 "github.com/agor/agor/pkg/api/v1"
)

// claudeDefaultContextWindow is the Sonnet-class window used when the
// result payload carries no per-model context window.
const claudeDefaultContextWindow = 200000

// ClaudeNormalizer handles Claude Code result payloads. Recent CLI versions
// report a per-model usage map; older ones only a top-level usage block.
type ClaudeNormalizer struct{}

func (n *ClaudeNormalizer) Normalize(_ context.Context, raw map[string]interface{}, _ Context) (*v1.NormalizedSdkData, error) {
	data := &v1.NormalizedSdkData{ContextWindowLimit: claudeDefaultContextWindow}

	if models, ok := mapField(raw, "modelUsage"); ok && len(models) > 0 {
		names := make([]string, 0, len(models))
		for name := range models {
			names = append(names, name)
		}
		sort.Strings(names)

		var maxWindow int64
		var primary string
		var primaryTokens float64 = -1
		for _, name := range names {
			stats, ok := models[name].(map[string]interface{})
			if !ok {
				continue
			}
			in := firstNum(stats, "inputTokens", "input_tokens")
			out := firstNum(stats, "outputTokens", "output_tokens")
			data.TokenUsage.InputTokens += int64(in)
			data.TokenUsage.OutputTokens += int64(out)
			data.TokenUsage.CacheReadTokens += int64(firstNum(stats, "cacheReadInputTokens", "cache_read_input_tokens"))
			data.TokenUsage.CacheCreationTokens += int64(firstNum(stats, "cacheCreationInputTokens", "cache_creation_input_tokens"))
			if window := int64(firstNum(stats, "contextWindow", "context_window")); window > maxWindow {
				maxWindow = window
			}
			if in+out > primaryTokens {
				primary = name
				primaryTokens = in + out
			}
		}
		if maxWindow > 0 {
			data.ContextWindowLimit = maxWindow
		}
		if primary != "" {
			data.PrimaryModel = &primary
		}
	} else if usage, ok := mapField(raw, "usage"); ok {
		data.TokenUsage.InputTokens = int64(firstNum(usage, "input_tokens", "inputTokens"))
		data.TokenUsage.OutputTokens = int64(firstNum(usage, "output_tokens", "outputTokens"))
		data.TokenUsage.CacheReadTokens = int64(firstNum(usage, "cache_read_input_tokens", "cacheReadInputTokens"))
		data.TokenUsage.CacheCreationTokens = int64(firstNum(usage, "cache_creation_input_tokens", "cacheCreationInputTokens"))
	}

	data.TokenUsage.TotalTokens = data.TokenUsage.InputTokens + data.TokenUsage.OutputTokens

	if cost, ok := lookupNum(raw, "total_cost_usd", "totalCostUsd"); ok {
		data.CostUSD = &cost
	}
	if dur, ok := lookupNum(raw, "duration_ms", "durationMs"); ok {
		ms := int64(dur)
		data.DurationMs = &ms
	}
	return data, nil
}

package normalizer

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
)

const opencodeDefaultContextWindow = 200000

// OpenCodeNormalizer handles OpenCode assistant-message payloads: a
// per-turn tokens block with explicit cache read/write counts.
type OpenCodeNormalizer struct{}

func (n *OpenCodeNormalizer) Normalize(_ context.Context, raw map[string]interface{}, _ Context) (*v1.NormalizedSdkData, error) {
	data := &v1.NormalizedSdkData{ContextWindowLimit: opencodeDefaultContextWindow}

	if tokens, ok := mapField(raw, "tokens"); ok {
		data.TokenUsage.InputTokens = int64(firstNum(tokens, "input"))
		data.TokenUsage.OutputTokens = int64(firstNum(tokens, "output")) + int64(firstNum(tokens, "reasoning"))
		if cache, ok := mapField(tokens, "cache"); ok {
			data.TokenUsage.CacheReadTokens = int64(firstNum(cache, "read"))
			data.TokenUsage.CacheCreationTokens = int64(firstNum(cache, "write"))
		}
	}
	data.TokenUsage.TotalTokens = data.TokenUsage.InputTokens + data.TokenUsage.OutputTokens

	if cost, ok := lookupNum(raw, "cost"); ok {
		data.CostUSD = &cost
	}
	if model, ok := strField(raw, "modelID"); ok {
		data.PrimaryModel = &model
	}
	return data, nil
}

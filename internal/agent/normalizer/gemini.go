package normalizer

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
)

// geminiDefaultContextWindow is the Gemini 2.5 Pro window.
const geminiDefaultContextWindow = 1048576

// GeminiNormalizer handles Gemini usageMetadata payloads. Gemini reports
// per-turn counts only, so no delta arithmetic is needed; cached content
// reads map to cacheReadTokens and there is no cache-creation figure.
type GeminiNormalizer struct{}

func (n *GeminiNormalizer) Normalize(_ context.Context, raw map[string]interface{}, _ Context) (*v1.NormalizedSdkData, error) {
	data := &v1.NormalizedSdkData{ContextWindowLimit: geminiDefaultContextWindow}

	if usage, ok := mapField(raw, "usageMetadata"); ok {
		data.TokenUsage.InputTokens = int64(firstNum(usage, "promptTokenCount", "prompt_token_count"))
		data.TokenUsage.OutputTokens = int64(firstNum(usage, "candidatesTokenCount", "candidates_token_count")) +
			int64(firstNum(usage, "thoughtsTokenCount", "thoughts_token_count"))
		data.TokenUsage.CacheReadTokens = int64(firstNum(usage, "cachedContentTokenCount", "cached_content_token_count"))
	}
	data.TokenUsage.TotalTokens = data.TokenUsage.InputTokens + data.TokenUsage.OutputTokens

	if model, ok := strField(raw, "modelVersion"); ok {
		data.PrimaryModel = &model
	}
	if dur, ok := lookupNum(raw, "durationMs", "duration_ms"); ok {
		ms := int64(dur)
		data.DurationMs = &ms
	}
	return data, nil
}

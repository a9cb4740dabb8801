package normalizer

import (
	"context"

	v1 "github.com/agor/agor/pkg/api/v1"
)

// contextWindowTaskLimit bounds how far back the cumulative scan reaches.
const contextWindowTaskLimit = 100

// ComputeContextWindow returns the cumulative fresh-token count for a
// session at the end of the current task: the sum of input+output tokens of
// every completed task since the last compaction event, plus the current
// task's tokens taken from its raw payload. Cache-read tokens are excluded;
// they re-present content already counted in an earlier turn.
//
// Any lookup failure degrades to the current task's tokens alone rather
// than failing the turn.
func (r *Registry) ComputeContextWindow(ctx context.Context, tool v1.AgenticTool, raw map[string]interface{}, nctx Context) int64 {
	current := r.currentTaskTokens(ctx, tool, raw, nctx)
	if nctx.Store == nil || nctx.SessionID == "" {
		return current
	}

	messages, err := nctx.Store.FindMessages(ctx, v1.FindMessagesRequest{SessionID: nctx.SessionID})
	if err != nil {
		return current
	}
	compacted := compactionTaskIDs(messages)

	tasks, err := nctx.Store.CompletedTasks(ctx, nctx.SessionID, contextWindowTaskLimit)
	if err != nil {
		return current
	}

	lastCompaction := -1
	for i, task := range tasks {
		if _, ok := compacted[task.ID]; ok {
			lastCompaction = i
		}
	}

	var sum int64
	for i := lastCompaction + 1; i < len(tasks); i++ {
		task := tasks[i]
		if task.ID == nctx.CurrentTaskID || task.NormalizedSdkResponse == nil {
			continue
		}
		usage := task.NormalizedSdkResponse.TokenUsage
		sum += usage.InputTokens + usage.OutputTokens
	}
	return sum + current
}

// currentTaskTokens derives input+output for the in-flight task from its
// raw payload. For Claude this sums across all models in the usage map.
func (r *Registry) currentTaskTokens(ctx context.Context, tool v1.AgenticTool, raw map[string]interface{}, nctx Context) int64 {
	if raw == nil {
		return 0
	}
	data, err := r.Normalize(ctx, tool, raw, nctx)
	if err != nil || data == nil {
		return 0
	}
	return data.TokenUsage.InputTokens + data.TokenUsage.OutputTokens
}

// compactionTaskIDs collects the ids of tasks that emitted a compaction
// system event.
func compactionTaskIDs(messages []*v1.Message) map[string]struct{} {
	compacted := make(map[string]struct{})
	for _, message := range messages {
		if message.Role != v1.MessageRoleSystem || message.TaskID == nil {
			continue
		}
		for _, block := range message.Content {
			if block.Type != v1.BlockTypeSystemStatus {
				continue
			}
			if block.SystemType == "compaction" || block.Status == "compacting" {
				compacted[*message.TaskID] = struct{}{}
				break
			}
		}
	}
	return compacted
}

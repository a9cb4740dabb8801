package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agor/agor/internal/events"
	v1 "github.com/agor/agor/pkg/api/v1"
)

const previewLimit = 200

// CreateMessage appends a message to a session. The index is allocated here
// under the per-session lock: exactly one writer per session makes the
// MAX(index)+1 read-then-insert race-free and gap-free.
func (s *Service) CreateMessage(ctx context.Context, req v1.CreateMessageRequest) (*v1.Message, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	if req.Role == "" {
		return nil, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if _, err := s.repo.GetSession(ctx, req.SessionID); err != nil {
		return nil, err
	}

	s.sessionLocks.Lock(req.SessionID)
	defer s.sessionLocks.Unlock(req.SessionID)

	maxIndex, err := s.repo.MaxMessageIndex(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	message := &v1.Message{
		SessionID:       req.SessionID,
		TaskID:          req.TaskID,
		Index:           maxIndex + 1,
		Role:            req.Role,
		Content:         req.Content,
		ContentPreview:  BuildContentPreview(req.Content),
		ToolUses:        req.ToolUses,
		ParentToolUseID: req.ParentToolUseID,
		Metadata:        req.Metadata,
	}
	if err := s.repo.CreateMessage(ctx, message); err != nil {
		return nil, err
	}

	s.publish(ctx, events.MessageCreated, entityData("message", message, map[string]interface{}{
		"message_id": message.ID,
		"session_id": message.SessionID,
	}))
	return message, nil
}

// UpdateMessage merges the streaming-complete content into an existing
// message: content blocks, preview, and tool uses are recomputed under the
// same message id. Identity fields never change.
func (s *Service) UpdateMessage(ctx context.Context, id string, content []v1.ContentBlock, toolUses []string, metadata *v1.MessageMetadata) (*v1.Message, error) {
	message, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	message.Content = content
	message.ContentPreview = BuildContentPreview(content)
	if toolUses != nil {
		message.ToolUses = toolUses
	}
	if metadata != nil {
		message.Metadata = metadata
	}
	if err := s.repo.UpdateMessage(ctx, message); err != nil {
		return nil, err
	}

	s.publish(ctx, events.MessageUpdated, entityData("message", message, map[string]interface{}{
		"message_id": message.ID,
		"session_id": message.SessionID,
	}))
	return message, nil
}

// FindMessages returns a session's messages in index order.
func (s *Service) FindMessages(ctx context.Context, filter v1.FindMessagesRequest) ([]*v1.Message, error) {
	if filter.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	return s.repo.ListMessages(ctx, filter)
}

// BuildContentPreview renders a short (≤200 chars) summary of the content
// blocks for list views.
func BuildContentPreview(blocks []v1.ContentBlock) string {
	var sb strings.Builder
	for _, block := range blocks {
		if sb.Len() >= previewLimit {
			break
		}
		switch block.Type {
		case v1.BlockTypeText:
			sb.WriteString(block.Text)
		case v1.BlockTypeToolUse:
			sb.WriteString("[tool: " + block.ToolName + "]")
		case v1.BlockTypeThinking:
			sb.WriteString("[thinking]")
		case v1.BlockTypeSystemStatus:
			sb.WriteString("[" + block.SystemType + "]")
		}
		sb.WriteString(" ")
	}
	preview := strings.TrimSpace(sb.String())
	if len(preview) > previewLimit {
		cut := previewLimit
		// Never split a multibyte rune at the limit.
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	return preview
}

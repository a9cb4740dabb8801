// Package service implements the Agor service layer: every create, patch,
// and remove validates its input, writes through the repository, broadcasts
// the post-state on the event bus, and returns the post-state to the caller.
// Executors never write to storage directly; they call into this layer so
// every observer sees the same ordered stream of mutations.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/common/syncutil"
	"github.com/agor/agor/internal/events/bus"
	"github.com/agor/agor/internal/session/repository"
)

var (
	// ErrInvalidInput indicates a request failed validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict indicates the request contradicts existing state, e.g.
	// binding a session to a worktree that does not exist.
	ErrConflict = errors.New("conflict")
)

const eventSource = "session-service"

// Service provides session, task, message, worktree, and board operations
// with mandatory real-time broadcast.
type Service struct {
	repo     repository.Repository
	eventBus bus.EventBus
	logger   *logger.Logger

	// sessionLocks serializes per-session critical sections: message index
	// allocation and allowed-tools read-modify-write.
	sessionLocks *syncutil.KeyedMutex
}

// NewService creates the service layer on a repository and event bus.
func NewService(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:         repo,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "session-service")),
		sessionLocks: syncutil.NewKeyedMutex(),
	}
}

// publish broadcasts a post-state payload. Broadcast failures are logged,
// never surfaced: the write already happened and must not be rolled back.
func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, eventSource, data)
	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// entityData converts a post-state entity to an event payload map.
func entityData(key string, entity any, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{}
	raw, err := json.Marshal(entity)
	if err == nil {
		var decoded map[string]interface{}
		if json.Unmarshal(raw, &decoded) == nil {
			data[key] = decoded
		}
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// withSessionGuard runs fn only when the session still exists. Long-running
// executors race with session deletion; a missing session on a write path is
// benign and is skipped with a log instead of surfacing an error.
func (s *Service) withSessionGuard(ctx context.Context, sessionID string, fn func() error) error {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			s.logger.Info("session deleted mid-execution, skipping write",
				zap.String("session_id", sessionID))
			return nil
		}
		return err
	}
	return fn()
}

// newBearerToken mints an opaque per-session bearer token.
func newBearerToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

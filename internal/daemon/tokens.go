// Package daemon wires the long-lived Agor process: executor token
// issuance, executor spawning, the per-session prompt queue, and the HTTP
// router. Executors are ephemeral workers; everything they are allowed to
// do hangs off a token issued here at spawn time.
package daemon

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
)

// tokenInfo is the cached state behind an issued executor token.
type tokenInfo struct {
	SessionID string
	TaskID    string
}

// TokenStore issues and validates per-task executor tokens. Tokens expire
// after the configured TTL and are revoked early when their task reaches a
// terminal state.
type TokenStore struct {
	cache  *cache.Cache
	mu     sync.Mutex
	byTask map[string]string // taskID -> token
	mint   func() (string, error)
	logger *logger.Logger
}

// NewTokenStore creates a token store with the given TTL.
func NewTokenStore(ttl time.Duration, mint func() (string, error), log *logger.Logger) *TokenStore {
	s := &TokenStore{
		cache:  cache.New(ttl, 10*time.Minute),
		byTask: make(map[string]string),
		mint:   mint,
		logger: log.WithFields(zap.String("component", "executor-tokens")),
	}
	s.cache.OnEvicted(func(token string, _ interface{}) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for taskID, t := range s.byTask {
			if t == token {
				delete(s.byTask, taskID)
				break
			}
		}
	})
	return s
}

// Issue mints a token bound to a session and task.
func (s *TokenStore) Issue(sessionID, taskID string) (string, error) {
	token, err := s.mint()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.byTask[taskID] = token
	s.mu.Unlock()
	s.cache.SetDefault(token, tokenInfo{SessionID: sessionID, TaskID: taskID})

	s.logger.Debug("issued executor token",
		zap.String("session_id", sessionID),
		zap.String("task_id", taskID))
	return token, nil
}

// Validate checks a token presented at ws upgrade and returns the session
// it was issued for. Implements the gateway's TokenValidator.
func (s *TokenStore) Validate(token string) (string, bool) {
	value, ok := s.cache.Get(token)
	if !ok {
		return "", false
	}
	info, ok := value.(tokenInfo)
	if !ok {
		return "", false
	}
	return info.SessionID, true
}

// RevokeTask invalidates the token issued for a task, if any.
func (s *TokenStore) RevokeTask(taskID string) {
	s.mu.Lock()
	token, ok := s.byTask[taskID]
	if ok {
		delete(s.byTask, taskID)
	}
	s.mu.Unlock()

	if ok {
		s.cache.Delete(token)
		s.logger.Debug("revoked executor token", zap.String("task_id", taskID))
	}
}

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
)

// memoryStore is the in-process driver: one map guarded by one mutex.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session

	ttl    time.Duration
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

func newMemoryStore(cfg *storeConfig) *memoryStore {
	return &memoryStore{
		sessions: make(map[string]*domain.Session),
		ttl:      cfg.ttl,
		now:      cfg.now,
		newID:    cfg.newID,
		logger:   cfg.logger,
	}
}

// live returns the session for id if present and not expired.
// Expired entries are dropped on access. Callers hold s.mu.
func (s *memoryStore) live(id string, now time.Time) (*domain.Session, bool) {
	if id == "" {
		return nil, false
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if sess.Expired(s.ttl, now) {
		delete(s.sessions, id)
		return nil, false
	}
	return sess, true
}

func (s *memoryStore) GetOrCreate(_ context.Context, id string, patch *domain.LearnerPatch) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sess, ok := s.live(id, now); ok {
		sess.Learner = patch.Apply(sess.Learner)
		sess.LastActivity = now
		return sess.Clone(), nil
	}

	newID := s.newID()
	for _, taken := s.sessions[newID]; taken; _, taken = s.sessions[newID] {
		newID = s.newID()
	}
	sess := domain.NewSession(newID, patch.Apply(domain.Learner{}), now)
	s.sessions[newID] = sess
	s.logger.Debug("Session created", "session_id", newID)
	return sess.Clone(), nil
}

func (s *memoryStore) AddMessage(_ context.Context, id string, role domain.Role, text string, metadata map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, ok := s.live(id, now)
	if !ok {
		return false
	}
	sess.Append(domain.Turn{Role: role, Text: text, Timestamp: now, Metadata: metadata})
	return true
}

func (s *memoryStore) UpdateContext(_ context.Context, id, topic string, c domain.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, ok := s.live(id, now)
	if !ok {
		return false
	}
	sess.CurrentTopic = topic
	sess.CurrentContext = c
	sess.LastActivity = now
	return true
}

func (s *memoryStore) Stats(_ context.Context, id string) (domain.SessionStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(id, s.now())
	if !ok {
		return domain.SessionStats{}, false
	}
	return sess.Stats(), true
}

func (s *memoryStore) FlushAll(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.sessions)
	s.sessions = make(map[string]*domain.Session)
	return n, nil
}

func (s *memoryStore) Sweep(context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if sess.Expired(s.ttl, now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *memoryStore) Len(context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
	return nil
}

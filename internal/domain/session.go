package domain

import (
	"time"
)

// HistoryCap is the number of turns a session retains. Older turns are dropped.
const HistoryCap = 20

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a session's history.
type Turn struct {
	Role      Role           `json:"role"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Session holds one learner's ongoing conversation.
type Session struct {
	ID             string    `json:"id"`
	Learner        Learner   `json:"learner"`
	History        []Turn    `json:"history"`
	CurrentTopic   string    `json:"current_topic"`
	CurrentContext Context   `json:"current_context"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// NewSession creates an empty session stamped with now.
func NewSession(id string, learner Learner, now time.Time) *Session {
	return &Session{
		ID:             id,
		Learner:        learner,
		History:        []Turn{},
		CurrentContext: ContextGeneral,
		CreatedAt:      now,
		LastActivity:   now,
	}
}

// Append adds a turn, bumps the counter and trims history to HistoryCap.
func (s *Session) Append(t Turn) {
	s.History = append(s.History, t)
	if len(s.History) > HistoryCap {
		trimmed := make([]Turn, HistoryCap)
		copy(trimmed, s.History[len(s.History)-HistoryCap:])
		s.History = trimmed
	}
	s.MessageCount++
	s.LastActivity = t.Timestamp
}

// RecentTurns returns the last n turns from history.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 {
		return nil
	}
	if n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// Expired reports whether the session has been idle longer than ttl.
func (s *Session) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.LastActivity) > ttl
}

// Clone returns a deep copy safe to hand outside the owning store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = make([]Turn, len(s.History))
	for i, t := range s.History {
		if t.Metadata != nil {
			md := make(map[string]any, len(t.Metadata))
			for k, v := range t.Metadata {
				md[k] = v
			}
			t.Metadata = md
		}
		c.History[i] = t
	}
	return &c
}

// Stats returns a read-only snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		MessageCount:       s.MessageCount,
		ConversationLength: len(s.History),
		Duration:           s.LastActivity.Sub(s.CreatedAt),
		LastActivity:       s.LastActivity,
		CurrentTopic:       s.CurrentTopic,
		CurrentContext:     s.CurrentContext,
	}
}

// SessionStats is the public view returned by the stats query.
type SessionStats struct {
	MessageCount       int           `json:"messageCount"`
	ConversationLength int           `json:"conversationLength"`
	Duration           time.Duration `json:"duration"`
	LastActivity       time.Time     `json:"lastActivity"`
	CurrentTopic       string        `json:"currentTopic"`
	CurrentContext     Context       `json:"currentContext"`
}

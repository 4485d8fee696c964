package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/coursechat/internal/domain"
)

const (
	sessionKeyPrefix = "coursechat:session:"
	maxWatchRetries  = 3
	scanBatch        = 100
)

var errSessionMissing = errors.New("session not found")

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// redisStore keeps one JSON document per session. Every write resets the
// key's TTL, which gives the same sliding expiry as the memory driver.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

func newRedisStore(cfg *storeConfig) *redisStore {
	return &redisStore{
		client: cfg.redisClient,
		ttl:    cfg.ttl,
		now:    cfg.now,
		newID:  cfg.newID,
		logger: cfg.logger,
	}
}

func (s *redisStore) key(id string) string {
	return sessionKeyPrefix + id
}

func (s *redisStore) GetOrCreate(ctx context.Context, id string, patch *domain.LearnerPatch) (*domain.Session, error) {
	if id != "" {
		sess, err := s.mutate(ctx, id, func(sess *domain.Session, now time.Time) {
			sess.Learner = patch.Apply(sess.Learner)
			sess.LastActivity = now
		})
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, errSessionMissing) {
			return nil, err
		}
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		sess := domain.NewSession(s.newID(), patch.Apply(domain.Learner{}), s.now())
		val, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("encode session: %w", err)
		}
		created, err := s.client.SetNX(ctx, s.key(sess.ID), val, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		if created {
			s.logger.Debug("Session created", "session_id", sess.ID)
			return sess, nil
		}
	}
	return nil, fmt.Errorf("create session: id collision after %d attempts", maxWatchRetries)
}

func (s *redisStore) AddMessage(ctx context.Context, id string, role domain.Role, text string, metadata map[string]any) bool {
	_, err := s.mutate(ctx, id, func(sess *domain.Session, now time.Time) {
		sess.Append(domain.Turn{Role: role, Text: text, Timestamp: now, Metadata: metadata})
	})
	return s.applied(err, "add message", id)
}

func (s *redisStore) UpdateContext(ctx context.Context, id, topic string, c domain.Context) bool {
	_, err := s.mutate(ctx, id, func(sess *domain.Session, now time.Time) {
		sess.CurrentTopic = topic
		sess.CurrentContext = c
		sess.LastActivity = now
	})
	return s.applied(err, "update context", id)
}

func (s *redisStore) Stats(ctx context.Context, id string) (domain.SessionStats, bool) {
	if id == "" {
		return domain.SessionStats{}, false
	}
	sess, err := s.load(ctx, s.client, id)
	if err != nil {
		if !errors.Is(err, errSessionMissing) {
			s.logger.Warn("Session stats failed", "session_id", id, "error", err)
		}
		return domain.SessionStats{}, false
	}
	return sess.Stats(), true
}

func (s *redisStore) FlushAll(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan sessions: %w", err)
	}
	if err := flush(); err != nil {
		return removed, err
	}
	return removed, nil
}

// Sweep is a no-op: redis expires keys on its own.
func (s *redisStore) Sweep(context.Context) int {
	return 0
}

func (s *redisStore) Len(ctx context.Context) int {
	n := 0
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("Session count failed", "error", err)
	}
	return n
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// load reads and decodes one session.
func (s *redisStore) load(ctx context.Context, c getter, id string) (*domain.Session, error) {
	val, err := c.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errSessionMissing
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// mutate applies fn under WATCH and writes the result back with a fresh TTL.
// Conflicting writers are retried a few times.
func (s *redisStore) mutate(ctx context.Context, id string, fn func(*domain.Session, time.Time)) (*domain.Session, error) {
	if id == "" {
		return nil, errSessionMissing
	}
	key := s.key(id)

	var out *domain.Session
	txf := func(tx *redis.Tx) error {
		sess, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		fn(sess, s.now())
		val, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, s.ttl)
			return nil
		})
		if err == nil {
			out = sess
		}
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("update session %s: %w", id, redis.TxFailedErr)
}

func (s *redisStore) applied(err error, op, id string) bool {
	if err == nil {
		return true
	}
	if !errors.Is(err, errSessionMissing) {
		s.logger.Warn("Session "+op+" failed", "session_id", id, "error", err)
	}
	return false
}

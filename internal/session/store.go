// Package session keeps ephemeral per-learner conversation state with sliding expiry.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/coursechat/internal/domain"
)

// DefaultTTL is how long an idle session survives.
const DefaultTTL = 30 * time.Minute

var (
	// ErrInvalidStoreType is returned for an unknown driver name.
	ErrInvalidStoreType = errors.New("invalid session store type")
	// ErrInvalidConfig is returned when a driver is missing a required option.
	ErrInvalidConfig = errors.New("invalid session store config")
)

// Store owns every live session. Callers only ever see snapshots; all
// mutation goes through the store's operations.
type Store interface {
	// GetOrCreate returns the live session for id with patch merged into its
	// learner, or a brand new session when id is empty, unknown or expired.
	GetOrCreate(ctx context.Context, id string, patch *domain.LearnerPatch) (*domain.Session, error)

	// AddMessage appends a turn. Unknown ids return false.
	AddMessage(ctx context.Context, id string, role domain.Role, text string, metadata map[string]any) bool

	// UpdateContext overwrites the current topic and context. Unknown ids return false.
	UpdateContext(ctx context.Context, id, topic string, c domain.Context) bool

	// Stats returns a read-only snapshot of the session counters.
	Stats(ctx context.Context, id string) (domain.SessionStats, bool)

	// FlushAll removes every session and reports how many were removed.
	FlushAll(ctx context.Context) (int, error)

	// Sweep removes expired sessions and reports how many were removed.
	Sweep(ctx context.Context) int

	// Len reports the number of stored sessions.
	Len(ctx context.Context) int

	// Close releases driver resources.
	Close() error
}

// StoreType names a session driver.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// Option configures a store.
type Option func(*storeConfig)

type storeConfig struct {
	ttl         time.Duration
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
	redisClient *redis.Client
}

// WithTTL sets the sliding idle timeout.
func WithTTL(ttl time.Duration) Option {
	return func(c *storeConfig) {
		c.ttl = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) {
		c.now = now
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *storeConfig) {
		c.newID = fn
	}
}

// WithLogger sets the logger used for recoverable driver errors.
func WithLogger(logger *slog.Logger) Option {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// WithRedisClient sets the client used by the redis driver.
func WithRedisClient(client *redis.Client) Option {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// NewStore creates a store for the given driver.
func NewStore(storeType StoreType, opts ...Option) (Store, error) {
	cfg := &storeConfig{
		ttl:    DefaultTTL,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.ttl <= 0 {
		cfg.ttl = DefaultTTL
	}

	switch storeType {
	case StoreTypeMemory, "":
		return newMemoryStore(cfg), nil
	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return newRedisStore(cfg), nil
	default:
		return nil, ErrInvalidStoreType
	}
}

// Package store provides the durable transcript archive.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
)

// ErrArchiveDisabled is returned by the no-op archive.
var ErrArchiveDisabled = errors.New("transcript archive disabled")

// TurnRecord is one archived chat turn.
type TurnRecord struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      domain.Role    `json:"role"`
	Text      string         `json:"text"`
	Topic     string         `json:"topic"`
	Context   domain.Context `json:"context"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Archive persists every chat turn, including those trimmed from a
// session's in-memory history.
type Archive interface {
	// ArchiveTurn appends one turn.
	ArchiveTurn(ctx context.Context, rec TurnRecord) error

	// ListTurns returns up to limit turns for a session, oldest first.
	// A non-positive limit returns every turn.
	ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)

	// CleanupOlderThan removes turns older than age.
	CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Nop is an Archive that stores nothing.
type Nop struct{}

func (Nop) ArchiveTurn(context.Context, TurnRecord) error { return nil }

func (Nop) ListTurns(context.Context, string, int) ([]TurnRecord, error) {
	return nil, ErrArchiveDisabled
}

func (Nop) CleanupOlderThan(context.Context, time.Duration) (int64, error) { return 0, nil }

func (Nop) Ping(context.Context) error { return ErrArchiveDisabled }

func (Nop) Close() error { return nil }

package session

import (
	"context"

	"github.com/DukeRupert/guardpost/internal/domain"
)

// Store persists sessions server-side, keyed by an opaque session id.
//
// Implementations return domain.ErrSessionInvalid from Get when no session
// exists for id. All methods must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Put(ctx context.Context, id string, s *domain.Session) error
	Delete(ctx context.Context, id string) error
}

// ExpiredDeleter is implemented by stores that need periodic cleanup of
// expired sessions. Stores with native expiry (redis) do not implement it.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

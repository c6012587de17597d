package repository

import (
	"context"
	"errors"
	"time"

	"portal-sessions/backend/internal/portal/domain"
)

// ErrDuplicate is returned by Create when a unique constraint (token digest or
// idempotency key digest) is violated. Callers recover by re-reading the row
// that won the race.
var ErrDuplicate = errors.New("portal: duplicate session")

// Repository defines persistence for portal payment sessions. Lookups return
// (nil, nil) on missing rows; errors are reserved for store failures.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	FindByTokenDigest(ctx context.Context, digest string) (*domain.Session, error)
	// FindByIdempotencyDigest only matches non-terminal sessions; terminal
	// sessions release their idempotency key.
	FindByIdempotencyDigest(ctx context.Context, digest string) (*domain.Session, error)
	FindByProcessorStateToken(ctx context.Context, stateToken string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	Update(ctx context.Context, s *domain.Session) error
	// Consume atomically increments use_count iff the session can still be
	// consumed at now (budget left, not expired, not revoked, not terminal),
	// recording consumed_at on the first consumption. Returns the updated
	// session, or (nil, nil) when the gate is closed. This is the exactly-once
	// path; two racing calls with max_uses=1 yield at most one winner.
	Consume(ctx context.Context, id string, now time.Time) (*domain.Session, error)
}

package repository

import (
	"context"

	"portal-sessions/backend/internal/audit/domain"
)

// Repository defines persistence for the append-only audit trail.
// Implementations must never expose update or delete paths.
type Repository interface {
	Append(ctx context.Context, r *domain.Record) error
	ListBySession(ctx context.Context, sessionID string, limit, offset int32) ([]*domain.Record, error)
}

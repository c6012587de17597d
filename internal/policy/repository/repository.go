package repository

import (
	"context"

	"portal-sessions/backend/internal/policy/domain"
)

// Repository abstracts org portal policy storage.
type Repository interface {
	// GetByOrg returns the enabled policy for org, or nil if none exists.
	GetByOrg(ctx context.Context, orgID string) (*domain.OrgPolicy, error)
	// Upsert creates or replaces the org's policy.
	Upsert(ctx context.Context, p *domain.OrgPolicy) error
}

package repository

import (
	"context"
	"errors"

	"portal-sessions/backend/internal/webhook/domain"
)

// ErrDuplicate is returned by Create when an event with the same
// (provider, provider_event_id) already exists.
var ErrDuplicate = errors.New("webhook event already recorded")

// Repository abstracts webhook inbox storage.
type Repository interface {
	// FindByProviderEventID returns the stored event, or nil if unseen.
	FindByProviderEventID(ctx context.Context, provider, providerEventID string) (*domain.Event, error)
	// Create persists a new inbox event. Returns ErrDuplicate when the
	// provider already delivered this event id.
	Create(ctx context.Context, e *domain.Event) error
	// Update rewrites the event's mutable fields (status, session id, error).
	Update(ctx context.Context, e *domain.Event) error
}

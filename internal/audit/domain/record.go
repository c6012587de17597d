package domain

import "time"

// EventType tags an observed portal session lifecycle event. Closed set.
type EventType string

const (
	EventSessionCreated    EventType = "SESSION_CREATED"
	EventSessionAccessed   EventType = "SESSION_ACCESSED"
	EventSessionActivated  EventType = "SESSION_ACTIVATED"
	EventSessionExpired    EventType = "SESSION_EXPIRED"
	EventSessionCancelled  EventType = "SESSION_CANCELLED"
	EventSessionRevoked    EventType = "SESSION_REVOKED"
	EventRedirectInitiated EventType = "REDIRECT_INITIATED"
	EventRedirectCompleted EventType = "REDIRECT_COMPLETED"
	EventCallbackReceived  EventType = "CALLBACK_RECEIVED"
	EventPaymentInitiated  EventType = "PAYMENT_INITIATED"
	EventPaymentCompleted  EventType = "PAYMENT_COMPLETED"
	EventPaymentFailed     EventType = "PAYMENT_FAILED"
	EventWebhookReceived   EventType = "WEBHOOK_RECEIVED"
	EventTokenValidated    EventType = "TOKEN_VALIDATED"
	EventTokenRejected     EventType = "TOKEN_REJECTED"
	EventRateLimitHit      EventType = "RATE_LIMIT_HIT"
	EventReplayDetected    EventType = "REPLAY_DETECTED"
)

// ActorType tags who caused the event.
type ActorType string

const (
	ActorSystem      ActorType = "SYSTEM"
	ActorPortalToken ActorType = "PORTAL_TOKEN"
	ActorStaff       ActorType = "STAFF"
	ActorAdmin       ActorType = "ADMIN"
	ActorWebhook     ActorType = "WEBHOOK"
)

// Record is one immutable audit trail entry. Created once, never mutated,
// never deleted. Request fingerprints are stored hashed, never raw.
type Record struct {
	ID             string
	SessionID      string
	EventType      EventType
	ActorType      ActorType
	PreviousStatus string // empty when the event did not change status
	NewStatus      string
	RequestID      string
	IPDigest       string
	UADigest       string
	Data           map[string]string
	CreatedAt      time.Time
}

package domain

import "time"

// Status tracks an inbox event through verification and processing.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusVerified  Status = "VERIFIED"
	StatusRejected  Status = "REJECTED"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
	StatusDuplicate Status = "DUPLICATE"
)

// Event is one processor webhook delivery, stored before processing so that
// redeliveries are detected by (provider, provider_event_id) and replays
// become no-ops.
type Event struct {
	ID              string
	Provider        string
	ProviderEventID string
	EventType       string
	SessionID       string // portal session the event settles, once resolved
	Status          Status
	Payload         []byte
	Error           string // reason when rejected or failed
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

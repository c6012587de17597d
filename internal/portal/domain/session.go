// Package domain defines the portal payment session entity and its state machine.
package domain

import "time"

// Status is the lifecycle state of a portal session. The set is closed;
// adding a state requires updating the transition table below.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusActive     Status = "ACTIVE"
	StatusRedirected Status = "REDIRECTED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions is the allowed-transition table. Terminal states have no entry.
// Forward-only: there are no backward or skip-ahead edges.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusActive, StatusExpired, StatusCancelled},
	StatusActive:     {StatusRedirected, StatusExpired, StatusCancelled},
	StatusRedirected: {StatusCompleted, StatusFailed, StatusExpired},
}

// AllStatuses lists every status. Used by tests to check the table exhaustively.
var AllStatuses = []Status{
	StatusCreated, StatusActive, StatusRedirected,
	StatusCompleted, StatusFailed, StatusExpired, StatusCancelled,
}

// CanTransitionTo reports whether the transition s -> to is in the table.
// This is the single source of truth consulted before any status mutation.
func (s Status) CanTransitionTo(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is one of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusActive, StatusRedirected,
		StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Action is a payment action a portal token bearer may perform.
type Action string

const (
	ActionViewPayment Action = "VIEW_PAYMENT"
	ActionPayByCard   Action = "PAY_BY_CARD"
	ActionPayBySEPA   Action = "PAY_BY_SEPA"
	ActionSetupSEPA   Action = "SETUP_SEPA"
	ActionViewMandate Action = "VIEW_MANDATE"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionViewPayment, ActionPayByCard, ActionPayBySEPA, ActionSetupSEPA, ActionViewMandate:
		return true
	}
	return false
}

// RedirectInfo holds the external processor's redirect handle. All four fields
// are set together when a redirect begins; a session carries either all of
// them or none (nil pointer on Session).
type RedirectInfo struct {
	Provider    string // e.g. STRIPE, GOCARDLESS
	SessionID   string // processor-side session/checkout id
	StateToken  string // random correlation token carried through the redirect
	RedirectURL string
}

// Session is the central entity: a short-lived, limited-use capability bound
// to one customer and a narrow set of payment actions. The plaintext token is
// never stored; only its digest.
type Session struct {
	ID              string
	OrgID           string
	SubOrgID        string
	CustomerID      string
	ContractID      string // empty when not linked
	PaymentIntentID string // empty when not linked

	TokenDigest  string // sha256 hex of the full token string
	TokenVersion string

	Status         Status
	AllowedActions []Action
	ExpiresAt      time.Time
	MaxUses        int
	UseCount       int

	IdempotencyKeyDigest string // empty when creation was not idempotent

	AmountCents   int64
	Currency      string
	Description   string
	MandateID     string
	BankRefMasked string

	Redirect *RedirectInfo // nil until a redirect begins

	Metadata map[string]string

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt *time.Time
	ConsumedAt     *time.Time
	RevokedAt      *time.Time // set by explicit admin invalidation, orthogonal to Status
}

// IsTerminal reports whether the session's status is terminal.
func (s *Session) IsTerminal() bool { return s.Status.IsTerminal() }

// IsExpired reports whether the absolute deadline has passed at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsRevoked reports whether the session was explicitly invalidated.
func (s *Session) IsRevoked() bool { return s.RevokedAt != nil }

// HasAction reports whether action is within the session's authorization scope.
func (s *Session) HasAction(action Action) bool {
	for _, a := range s.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// CanConsume reports whether the use budget still permits a financial action
// at now. False once the budget is spent, the deadline has passed, the
// session was revoked, or the status is terminal.
func (s *Session) CanConsume(now time.Time) bool {
	if s.IsTerminal() || s.IsRevoked() || s.IsExpired(now) {
		return false
	}
	return s.UseCount < s.MaxUses
}

// CanTransitionTo reports whether the session's current status permits the
// transition to.
func (s *Session) CanTransitionTo(to Status) bool {
	return s.Status.CanTransitionTo(to)
}

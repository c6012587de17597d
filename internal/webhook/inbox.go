// Package webhook ingests asynchronous processor notifications. Every
// delivery lands in a durable inbox keyed by (provider, event id), so
// redeliveries and replays settle a session at most once.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-sessions/backend/internal/audit"
	auditdomain "portal-sessions/backend/internal/audit/domain"
	portaldomain "portal-sessions/backend/internal/portal/domain"
	"portal-sessions/backend/internal/portal/service"
	"portal-sessions/backend/internal/webhook/domain"
	"portal-sessions/backend/internal/webhook/repository"
)

// SecretSource resolves the shared HMAC secret for a provider.
type SecretSource interface {
	Secret(provider string) (string, bool)
}

// StaticSecrets is a SecretSource over a fixed provider->secret map.
type StaticSecrets map[string]string

func (s StaticSecrets) Secret(provider string) (string, bool) {
	v, ok := s[provider]
	return v, ok
}

// SessionSettler is the slice of the lifecycle engine the inbox needs to
// settle sessions from processor events.
type SessionSettler interface {
	FindByProcessorState(ctx context.Context, stateToken string) (*portaldomain.Session, error)
	GetSessionByID(ctx context.Context, id string) (*portaldomain.Session, error)
	TransitionStatus(ctx context.Context, sess *portaldomain.Session, to portaldomain.Status, actor auditdomain.ActorType, rc *service.RequestContext, extra map[string]string) error
}

// envelope is the provider-agnostic JSON shape of a processor event. The
// session is resolved by explicit id or by the state token issued at
// redirect time.
type envelope struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	SessionID  string `json:"portal_session_id"`
	StateToken string `json:"state_token"`
}

// settlementForType maps processor event types to the terminal state they
// settle. Unknown types are recorded but settle nothing.
var settlementForType = map[string]portaldomain.Status{
	"payment.succeeded":  portaldomain.StatusCompleted,
	"checkout.completed": portaldomain.StatusCompleted,
	"mandate.confirmed":  portaldomain.StatusCompleted,
	"payment.failed":     portaldomain.StatusFailed,
	"checkout.expired":   portaldomain.StatusFailed,
}

// Result is the outcome of one delivery.
type Result struct {
	EventID   string
	Status    domain.Status
	SessionID string
}

// Inbox verifies, deduplicates, and processes processor webhooks.
type Inbox struct {
	repo    repository.Repository
	settler SessionSettler
	secrets SecretSource
	audit   service.Recorder
	log     *zap.Logger
	now     func() time.Time
}

// NewInbox wires a webhook inbox. now may be nil; time.Now is used.
func NewInbox(repo repository.Repository, settler SessionSettler, secrets SecretSource, rec service.Recorder, log *zap.Logger, now func() time.Time) *Inbox {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Inbox{repo: repo, settler: settler, secrets: secrets, audit: rec, log: log, now: now}
}

// ErrBadSignature is returned when the delivery's HMAC does not match.
var ErrBadSignature = fmt.Errorf("webhook signature mismatch")

// ErrUnknownProvider is returned when no secret is configured for provider.
var ErrUnknownProvider = fmt.Errorf("unknown webhook provider")

// Process handles one delivery: verify the HMAC, dedupe on the provider's
// event id, resolve the session, and apply the settlement. A redelivered
// event returns a Duplicate result without side effects.
func (i *Inbox) Process(ctx context.Context, provider, signature string, body []byte, rc *service.RequestContext) (*Result, error) {
	secret, ok := i.secrets.Secret(provider)
	if !ok {
		return nil, ErrUnknownProvider
	}
	if !verifySignature(secret, signature, body) {
		i.log.Warn("webhook signature rejected", zap.String("provider", provider))
		return nil, ErrBadSignature
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse webhook payload: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("webhook payload missing id or type")
	}

	if seen, err := i.repo.FindByProviderEventID(ctx, provider, env.ID); err != nil {
		return nil, err
	} else if seen != nil {
		return &Result{EventID: seen.ID, Status: domain.StatusDuplicate, SessionID: seen.SessionID}, nil
	}

	now := i.now().UTC()
	event := &domain.Event{
		ID:              uuid.New().String(),
		Provider:        provider,
		ProviderEventID: env.ID,
		EventType:       env.Type,
		Status:          domain.StatusVerified,
		Payload:         body,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := i.repo.Create(ctx, event); err != nil {
		if err == repository.ErrDuplicate {
			return &Result{EventID: event.ID, Status: domain.StatusDuplicate}, nil
		}
		return nil, err
	}

	sess, err := i.resolveSession(ctx, &env)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		i.finish(ctx, event, domain.StatusFailed, "no session matches event")
		return &Result{EventID: event.ID, Status: domain.StatusFailed}, nil
	}
	event.SessionID = sess.ID

	entry := audit.Entry{
		SessionID: sess.ID,
		EventType: auditdomain.EventWebhookReceived,
		ActorType: auditdomain.ActorWebhook,
		Data:      map[string]string{"provider": provider, "eventType": env.Type, "eventId": env.ID},
	}
	if rc != nil {
		entry.IPDigest, entry.UADigest, entry.RequestID = rc.IPDigest, rc.UADigest, rc.RequestID
	}
	i.audit.Record(ctx, entry)

	target, settles := settlementForType[env.Type]
	if settles && sess.Status != target {
		if err := i.settler.TransitionStatus(ctx, sess, target, auditdomain.ActorWebhook, rc, map[string]string{
			"provider": provider,
			"eventId":  env.ID,
		}); err != nil {
			if service.IsCode(err, service.CodeInvalidTransition) {
				i.finish(ctx, event, domain.StatusFailed, err.Error())
				return &Result{EventID: event.ID, Status: domain.StatusFailed, SessionID: sess.ID}, nil
			}
			return nil, err
		}
	}

	i.finish(ctx, event, domain.StatusProcessed, "")
	return &Result{EventID: event.ID, Status: domain.StatusProcessed, SessionID: sess.ID}, nil
}

func (i *Inbox) resolveSession(ctx context.Context, env *envelope) (*portaldomain.Session, error) {
	if env.SessionID != "" {
		return i.settler.GetSessionByID(ctx, env.SessionID)
	}
	if env.StateToken != "" {
		return i.settler.FindByProcessorState(ctx, env.StateToken)
	}
	return nil, nil
}

// finish records the event's final status. Best-effort.
func (i *Inbox) finish(ctx context.Context, event *domain.Event, status domain.Status, errMsg string) {
	event.Status = status
	event.Error = errMsg
	event.UpdatedAt = i.now().UTC()
	if err := i.repo.Update(ctx, event); err != nil {
		i.log.Error("webhook: inbox update failed",
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

// verifySignature checks a hex-encoded HMAC-SHA256 of the raw body.
func verifySignature(secret, signature string, body []byte) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

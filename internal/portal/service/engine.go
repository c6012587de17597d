// Package service implements the portal session lifecycle engine: issuance,
// validation, access tracking, consumption, and state transitions, each
// followed by exactly one audit append.
package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"portal-sessions/backend/internal/audit"
	auditdomain "portal-sessions/backend/internal/audit/domain"
	"portal-sessions/backend/internal/portal/domain"
	"portal-sessions/backend/internal/portal/repository"
	"portal-sessions/backend/internal/security"
)

// DefaultTTL applies when CreateParams.TTL is zero.
const DefaultTTL = 900 * time.Second

// DefaultMaxUses applies when CreateParams.MaxUses is zero.
const DefaultMaxUses = 1

// DefaultCurrency applies when CreateParams.Currency is empty.
const DefaultCurrency = "EUR"

// SessionRepo is the store contract the engine depends on.
type SessionRepo interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	FindByTokenDigest(ctx context.Context, digest string) (*domain.Session, error)
	FindByIdempotencyDigest(ctx context.Context, digest string) (*domain.Session, error)
	FindByProcessorStateToken(ctx context.Context, stateToken string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	Update(ctx context.Context, s *domain.Session) error
	Consume(ctx context.Context, id string, now time.Time) (*domain.Session, error)
}

// Recorder appends audit entries. Best-effort from the engine's perspective.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry)
}

// PolicyChecker authorizes session creation and redirect targets against org
// portal policy. May be nil on the Engine; then everything is permitted.
type PolicyChecker interface {
	AuthorizeCreate(ctx context.Context, orgID string, amountCents int64, actions []string, ttlSeconds int) error
	AuthorizeRedirect(ctx context.Context, orgID string, origins []string) error
}

// RequestContext carries hashed request fingerprints into audit entries.
// Digests only; the engine never sees raw IPs or user agents.
type RequestContext struct {
	IPDigest  string
	UADigest  string
	RequestID string
}

// CreateParams are the inputs to CreateSession.
type CreateParams struct {
	OrgID           string
	SubOrgID        string
	CustomerID      string
	ContractID      string
	PaymentIntentID string
	AllowedActions  []domain.Action
	TTL             time.Duration
	MaxUses         int
	AmountCents     int64
	Currency        string
	Description     string
	MandateID       string
	BankRefMasked   string
	IdempotencyKey  string
	Metadata        map[string]string
}

// CreateResult is the outcome of CreateSession. On an idempotent hit Token and
// PortalURL are empty: the token is never re-derivable once issued.
type CreateResult struct {
	Session          *domain.Session
	Token            string
	PortalURL        string
	WasIdempotentHit bool
}

// ValidateResult is the outcome of ValidateToken.
type ValidateResult struct {
	Valid   bool
	Session *domain.Session
	Code    ErrorCode // set when Valid is false
}

// Engine orchestrates the session lifecycle. It is stateless; all durable
// state lives in the session store, so instances can run concurrently.
type Engine struct {
	repo   SessionRepo
	audit  Recorder
	policy PolicyChecker
	log    *zap.Logger
	tracer trace.Tracer

	now        func() time.Time
	baseURL    string
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// Options tune an Engine. Zero values fall back to defaults.
type Options struct {
	// Now is the clock. Injected so expiry logic is deterministic in tests.
	Now func() time.Time
	// BaseURL is the portal base for building links, e.g. https://portal.example.com.
	BaseURL string
	// DefaultTTL is used when CreateParams.TTL is zero.
	DefaultTTL time.Duration
	// MaxTTL caps caller-supplied TTLs. Zero means uncapped.
	MaxTTL time.Duration
	// Policy authorizes creation and redirects. May be nil.
	Policy PolicyChecker
}

// NewEngine returns an Engine over the given store and audit recorder.
func NewEngine(repo SessionRepo, rec Recorder, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	defaultTTL := opts.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Engine{
		repo:       repo,
		audit:      rec,
		policy:     opts.Policy,
		log:        log,
		tracer:     otel.Tracer("portal.engine"),
		now:        now,
		baseURL:    opts.BaseURL,
		defaultTTL: defaultTTL,
		maxTTL:     opts.MaxTTL,
	}
}

// CreateSession mints a session and its capability token. When an
// idempotency key is supplied and a non-terminal session already holds its
// digest, that session is returned unchanged with WasIdempotentHit set and no
// token.
func (e *Engine) CreateSession(ctx context.Context, p CreateParams) (*CreateResult, error) {
	ctx, span := e.tracer.Start(ctx, "CreateSession",
		trace.WithAttributes(attribute.String("org_id", p.OrgID)))
	defer span.End()

	if err := validateCreateParams(p); err != nil {
		return nil, err
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = e.defaultTTL
	}
	if e.maxTTL > 0 && ttl > e.maxTTL {
		ttl = e.maxTTL
	}
	if e.policy != nil {
		actions := make([]string, len(p.AllowedActions))
		for i, a := range p.AllowedActions {
			actions[i] = string(a)
		}
		if err := e.policy.AuthorizeCreate(ctx, p.OrgID, p.AmountCents, actions, int(ttl.Seconds())); err != nil {
			return nil, err
		}
	}

	var idemDigest string
	if p.IdempotencyKey != "" {
		idemDigest = security.DigestString(p.IdempotencyKey)
		existing, err := e.repo.FindByIdempotencyDigest(ctx, idemDigest)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			e.log.Info("idempotent hit", zap.String("session_id", existing.ID))
			return &CreateResult{Session: existing, WasIdempotentHit: true}, nil
		}
	}

	token, err := security.GenerateToken()
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	maxUses := p.MaxUses
	if maxUses <= 0 {
		maxUses = DefaultMaxUses
	}
	currency := p.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	sess := &domain.Session{
		ID:                   uuid.New().String(),
		OrgID:                p.OrgID,
		SubOrgID:             p.SubOrgID,
		CustomerID:           p.CustomerID,
		ContractID:           p.ContractID,
		PaymentIntentID:      p.PaymentIntentID,
		TokenDigest:          security.DigestToken(token),
		TokenVersion:         security.TokenVersion,
		Status:               domain.StatusCreated,
		AllowedActions:       p.AllowedActions,
		ExpiresAt:            now.Add(ttl),
		MaxUses:              maxUses,
		UseCount:             0,
		IdempotencyKeyDigest: idemDigest,
		AmountCents:          p.AmountCents,
		Currency:             currency,
		Description:          p.Description,
		MandateID:            p.MandateID,
		BankRefMasked:        p.BankRefMasked,
		Metadata:             p.Metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.repo.Create(ctx, sess); err != nil {
		if err == repository.ErrDuplicate && idemDigest != "" {
			// Lost a creation race; the winner's row is the idempotent result.
			winner, readErr := e.repo.FindByIdempotencyDigest(ctx, idemDigest)
			if readErr != nil {
				return nil, readErr
			}
			if winner != nil {
				return &CreateResult{Session: winner, WasIdempotentHit: true}, nil
			}
		}
		return nil, err
	}

	e.audit.Record(ctx, audit.Entry{
		SessionID: sess.ID,
		EventType: auditdomain.EventSessionCreated,
		ActorType: auditdomain.ActorSystem,
		NewStatus: string(domain.StatusCreated),
		Data: map[string]string{
			"ttlSeconds":  strconv.Itoa(int(ttl.Seconds())),
			"maxUses":     strconv.Itoa(maxUses),
			"amountCents": strconv.FormatInt(p.AmountCents, 10),
			"currency":    currency,
		},
	})
	e.log.Info("created portal session",
		zap.String("session_id", sess.ID),
		zap.String("customer_id", p.CustomerID))

	return &CreateResult{
		Session:   sess,
		Token:     token,
		PortalURL: e.PortalURL(token),
	}, nil
}

// ValidateToken checks a presented token. Malformed tokens are rejected
// before any store lookup. Reads of a session past its deadline trigger the
// lazy transition to EXPIRED before the result is produced.
func (e *Engine) ValidateToken(ctx context.Context, token string, rc *RequestContext) (*ValidateResult, error) {
	ctx, span := e.tracer.Start(ctx, "ValidateToken")
	defer span.End()

	if !security.TokenWellFormed(token) {
		return &ValidateResult{Valid: false, Code: CodeTokenMalformed}, nil
	}
	sess, err := e.repo.FindByTokenDigest(ctx, security.DigestToken(token))
	if err != nil {
		return nil, err
	}
	if sess == nil {
		e.log.Warn("token validation failed", zap.String("code", string(CodeSessionNotFound)))
		return &ValidateResult{Valid: false, Code: CodeSessionNotFound}, nil
	}
	if sess.IsRevoked() {
		e.recordRejection(ctx, sess.ID, CodeSessionRevoked, rc)
		return &ValidateResult{Valid: false, Session: sess, Code: CodeSessionRevoked}, nil
	}
	if sess.IsExpired(e.now()) && !sess.IsTerminal() {
		if err := e.TransitionStatus(ctx, sess, domain.StatusExpired, auditdomain.ActorSystem, rc, nil); err != nil {
			return nil, err
		}
		return &ValidateResult{Valid: false, Session: sess, Code: CodeSessionExpired}, nil
	}
	if sess.IsTerminal() {
		return &ValidateResult{Valid: false, Session: sess, Code: CodeSessionTerminal}, nil
	}
	e.audit.Record(ctx, audit.Entry{
		SessionID: sess.ID,
		EventType: auditdomain.EventTokenValidated,
		ActorType: auditdomain.ActorPortalToken,
		IPDigest:  rcIP(rc), UADigest: rcUA(rc), RequestID: rcReq(rc),
	})
	return &ValidateResult{Valid: true, Session: sess}, nil
}

// AccessSession validates the token and records the touch. The first access
// of a CREATED session activates it.
func (e *Engine) AccessSession(ctx context.Context, token string, rc *RequestContext) (*domain.Session, error) {
	res, err := e.ValidateToken(ctx, token, rc)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, newError(res.Code, "invalid or expired link")
	}
	sess := res.Session
	now := e.now().UTC()
	sess.LastAccessedAt = &now

	if sess.Status == domain.StatusCreated {
		if err := e.TransitionStatus(ctx, sess, domain.StatusActive, auditdomain.ActorPortalToken, rc, nil); err != nil {
			return nil, err
		}
		return sess, nil
	}
	sess.UpdatedAt = now
	if err := e.repo.Update(ctx, sess); err != nil {
		return nil, err
	}
	e.audit.Record(ctx, audit.Entry{
		SessionID: sess.ID,
		EventType: auditdomain.EventSessionAccessed,
		ActorType: auditdomain.ActorPortalToken,
		IPDigest:  rcIP(rc), UADigest: rcUA(rc), RequestID: rcReq(rc),
	})
	return sess, nil
}

// ConsumeToken spends one use of the session for the given action. This is
// the exactly-once gate: the store's conditional increment decides races, so
// two concurrent calls with maxUses=1 yield at most one winner.
func (e *Engine) ConsumeToken(ctx context.Context, token string, action domain.Action, rc *RequestContext) (*domain.Session, error) {
	ctx, span := e.tracer.Start(ctx, "ConsumeToken",
		trace.WithAttributes(attribute.String("action", string(action))))
	defer span.End()

	res, err := e.ValidateToken(ctx, token, rc)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, newError(res.Code, "invalid or expired link")
	}
	sess := res.Session
	if !sess.HasAction(action) {
		e.recordRejection(ctx, sess.ID, CodeActionNotAllowed, rc)
		return nil, newError(CodeActionNotAllowed, fmt.Sprintf("action %s not allowed for this session", action))
	}

	consumed, err := e.repo.Consume(ctx, sess.ID, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if consumed == nil {
		// Re-read lost the race or the budget was already spent.
		e.audit.Record(ctx, audit.Entry{
			SessionID: sess.ID,
			EventType: auditdomain.EventReplayDetected,
			ActorType: auditdomain.ActorPortalToken,
			IPDigest:  rcIP(rc), UADigest: rcUA(rc), RequestID: rcReq(rc),
			Data:      map[string]string{"action": string(action)},
		})
		return nil, newError(CodeSessionAlreadyUsed, "session has already been consumed")
	}

	e.audit.Record(ctx, audit.Entry{
		SessionID: consumed.ID,
		EventType: auditdomain.EventPaymentInitiated,
		ActorType: auditdomain.ActorPortalToken,
		IPDigest:  rcIP(rc), UADigest: rcUA(rc), RequestID: rcReq(rc),
		Data: map[string]string{
			"action":   string(action),
			"useCount": strconv.Itoa(consumed.UseCount),
		},
	})
	e.log.Info("token consumed",
		zap.String("session_id", consumed.ID),
		zap.Int("use_count", consumed.UseCount),
		zap.Int("max_uses", consumed.MaxUses))
	return consumed, nil
}

// TransitionStatus is the only mutator of Status. It consults the transition
// table, persists, and appends the audit event matching the target state.
func (e *Engine) TransitionStatus(ctx context.Context, sess *domain.Session, to domain.Status, actor auditdomain.ActorType, rc *RequestContext, extra map[string]string) error {
	prev := sess.Status
	if !sess.CanTransitionTo(to) {
		e.log.Warn("invalid transition attempt",
			zap.String("session_id", sess.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(to)))
		return newError(CodeInvalidTransition, fmt.Sprintf("cannot transition from %s to %s", prev, to))
	}
	sess.Status = to
	sess.UpdatedAt = e.now().UTC()
	if err := e.repo.Update(ctx, sess); err != nil {
		sess.Status = prev
		return err
	}
	e.audit.Record(ctx, audit.Entry{
		SessionID:      sess.ID,
		EventType:      eventForStatus(to),
		ActorType:      actor,
		PreviousStatus: string(prev),
		NewStatus:      string(to),
		IPDigest:       rcIP(rc), UADigest: rcUA(rc), RequestID: rcReq(rc),
		Data:           extra,
	})
	e.log.Info("session transitioned",
		zap.String("session_id", sess.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(to)))
	return nil
}

// CancelSession cancels a non-terminal session.
func (e *Engine) CancelSession(ctx context.Context, id, reason string, actor auditdomain.ActorType) (*domain.Session, error) {
	sess, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, newError(CodeSessionNotFound, "session not found")
	}
	if sess.IsTerminal() {
		return nil, newError(CodeSessionTerminal, "cannot cancel a session in terminal state")
	}
	var extra map[string]string
	if reason != "" {
		extra = map[string]string{"reason": reason}
	}
	if actor == "" {
		actor = auditdomain.ActorAdmin
	}
	if err := e.TransitionStatus(ctx, sess, domain.StatusCancelled, actor, nil, extra); err != nil {
		return nil, err
	}
	return sess, nil
}

// RevokeSession invalidates the token without touching the state machine.
// Revocation is orthogonal to Status: a revoked session keeps its state but
// fails every future validation with SESSION_REVOKED. Idempotent.
func (e *Engine) RevokeSession(ctx context.Context, id, reason string, actor auditdomain.ActorType) (*domain.Session, error) {
	sess, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, newError(CodeSessionNotFound, "session not found")
	}
	if sess.IsRevoked() {
		return sess, nil
	}
	now := e.now().UTC()
	sess.RevokedAt = &now
	sess.UpdatedAt = now
	if err := e.repo.Update(ctx, sess); err != nil {
		return nil, err
	}
	var extra map[string]string
	if reason != "" {
		extra = map[string]string{"reason": reason}
	}
	if actor == "" {
		actor = auditdomain.ActorAdmin
	}
	e.audit.Record(ctx, audit.Entry{
		SessionID: sess.ID,
		EventType: auditdomain.EventSessionRevoked,
		ActorType: actor,
		Data:      extra,
	})
	return sess, nil
}

// UpdateProcessorInfo stores the external processor's redirect handle. All
// four fields must be present; the session carries either the full redirect
// context or none.
func (e *Engine) UpdateProcessorInfo(ctx context.Context, sess *domain.Session, info domain.RedirectInfo) error {
	if info.Provider == "" || info.SessionID == "" || info.StateToken == "" || info.RedirectURL == "" {
		return newError(CodeInvalidInput, "redirect info requires provider, session id, state token, and url")
	}
	sess.Redirect = &info
	sess.UpdatedAt = e.now().UTC()
	return e.repo.Update(ctx, sess)
}

// FindByProcessorState correlates an asynchronous processor callback back to
// its session. Returns (nil, nil) when the state token is unknown.
func (e *Engine) FindByProcessorState(ctx context.Context, stateToken string) (*domain.Session, error) {
	return e.repo.FindByProcessorStateToken(ctx, stateToken)
}

// GetSessionByID returns the session, or (nil, nil) when absent.
func (e *Engine) GetSessionByID(ctx context.Context, id string) (*domain.Session, error) {
	return e.repo.GetByID(ctx, id)
}

// PortalURL builds the customer-facing link for a token.
func (e *Engine) PortalURL(token string) string {
	return e.baseURL + "/p/" + token
}

// Now exposes the engine clock to collaborators (redirector, handlers).
func (e *Engine) Now() time.Time { return e.now() }

// recordRejection appends a TOKEN_REJECTED entry for a known session.
func (e *Engine) recordRejection(ctx context.Context, sessionID string, code ErrorCode, rc *RequestContext) {
	e.audit.Record(ctx, audit.Entry{
		SessionID: sessionID,
		EventType: auditdomain.EventTokenRejected,
		ActorType: auditdomain.ActorPortalToken,
		IPDigest:  rcIP(rc), UADigest: rcUA(rc), RequestID: rcReq(rc),
		Data:      map[string]string{"errorCode": string(code)},
	})
	e.log.Warn("token validation failed", zap.String("code", string(code)))
}

func validateCreateParams(p CreateParams) error {
	if p.OrgID == "" || p.SubOrgID == "" || p.CustomerID == "" {
		return newError(CodeInvalidInput, "org, suborg, and customer ids are required")
	}
	if len(p.AllowedActions) == 0 {
		return newError(CodeInvalidInput, "allowedActions must not be empty")
	}
	for _, a := range p.AllowedActions {
		if !a.Valid() {
			return newError(CodeInvalidInput, fmt.Sprintf("unknown action %q", a))
		}
	}
	if p.AmountCents < 0 {
		return newError(CodeInvalidInput, "amountCents must not be negative")
	}
	return nil
}

// eventForStatus maps a target status to its audit event tag, one per state.
func eventForStatus(s domain.Status) auditdomain.EventType {
	switch s {
	case domain.StatusCreated:
		return auditdomain.EventSessionCreated
	case domain.StatusActive:
		return auditdomain.EventSessionActivated
	case domain.StatusRedirected:
		return auditdomain.EventRedirectInitiated
	case domain.StatusCompleted:
		return auditdomain.EventPaymentCompleted
	case domain.StatusFailed:
		return auditdomain.EventPaymentFailed
	case domain.StatusExpired:
		return auditdomain.EventSessionExpired
	case domain.StatusCancelled:
		return auditdomain.EventSessionCancelled
	}
	return auditdomain.EventSessionAccessed
}

func rcIP(rc *RequestContext) string {
	if rc == nil {
		return ""
	}
	return rc.IPDigest
}

func rcUA(rc *RequestContext) string {
	if rc == nil {
		return ""
	}
	return rc.UADigest
}

func rcReq(rc *RequestContext) string {
	if rc == nil {
		return ""
	}
	return rc.RequestID
}

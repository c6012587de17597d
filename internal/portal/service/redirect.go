package service

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"portal-sessions/backend/internal/audit"
	auditdomain "portal-sessions/backend/internal/audit/domain"
	"portal-sessions/backend/internal/portal/domain"
	"portal-sessions/backend/internal/security"
)

// PaymentMethod selects the checkout flow a redirect starts.
type PaymentMethod string

const (
	MethodCard      PaymentMethod = "CARD"
	MethodSEPADebit PaymentMethod = "SEPA_DEBIT"
	MethodSEPASetup PaymentMethod = "SEPA_SETUP"
)

// actionForMethod maps a payment method to the session action it spends.
var actionForMethod = map[PaymentMethod]domain.Action{
	MethodCard:      domain.ActionPayByCard,
	MethodSEPADebit: domain.ActionPayBySEPA,
	MethodSEPASetup: domain.ActionSetupSEPA,
}

// CheckoutRequest is what the engine hands the external processor when
// starting a hosted checkout.
type CheckoutRequest struct {
	SessionID   string
	Method      PaymentMethod
	AmountCents int64
	Currency    string
	Description string
	CustomerID  string
	MandateID   string
	// StateToken is the opaque correlation value the processor must echo back
	// on return and in webhooks.
	StateToken string
	ReturnURL  string
}

// CheckoutSession is the processor's answer: where to send the customer.
type CheckoutSession struct {
	Provider         string
	ProcessorSession string
	RedirectURL      string
	ExpiresAt        time.Time
}

// ProcessorGateway starts hosted checkouts at an external payment processor.
type ProcessorGateway interface {
	StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// RedirectOutcome classifies a processor return.
type RedirectOutcome string

const (
	OutcomeConfirmed RedirectOutcome = "confirmed"
	OutcomePending   RedirectOutcome = "pending"
	OutcomeFailed    RedirectOutcome = "failed"
)

// ReturnResult is the outcome of HandleReturn.
type ReturnResult struct {
	Session *domain.Session
	Outcome RedirectOutcome
}

// Redirector drives the hop to an external processor and back: it spends a
// token use, opens the hosted checkout, and later correlates the customer's
// return via the state token.
type Redirector struct {
	engine  *Engine
	gateway ProcessorGateway
	audit   Recorder
	log     *zap.Logger
	// returnURL is where the processor sends the customer after checkout.
	returnURL string
	// allowedOrigins restricts which checkout URL origins the processor may
	// send customers to. Empty permits any origin.
	allowedOrigins map[string]struct{}
}

// NewRedirector wires a Redirector over the engine and a processor gateway.
func NewRedirector(engine *Engine, gateway ProcessorGateway, rec Recorder, log *zap.Logger, returnURL string, allowedOrigins []string) *Redirector {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Redirector{engine: engine, gateway: gateway, audit: rec, log: log, returnURL: returnURL}
	if len(allowedOrigins) > 0 {
		r.allowedOrigins = make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			r.allowedOrigins[o] = struct{}{}
		}
	}
	return r
}

// checkoutOrigin extracts the scheme://host origin of a checkout URL.
func checkoutOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", newError(CodeInvalidInput, fmt.Sprintf("processor returned unusable redirect url %q", rawURL))
	}
	return u.Scheme + "://" + u.Host, nil
}

// StartRedirect consumes one token use for the method's action, opens a
// hosted checkout, and transitions the session to REDIRECTED. The returned
// URL is where the customer must be sent.
func (r *Redirector) StartRedirect(ctx context.Context, token string, method PaymentMethod, rc *RequestContext) (string, error) {
	action, ok := actionForMethod[method]
	if !ok {
		return "", newError(CodeInvalidInput, fmt.Sprintf("unknown payment method %q", method))
	}
	sess, err := r.engine.ConsumeToken(ctx, token, action, rc)
	if err != nil {
		return "", err
	}

	stateToken, err := security.GenerateStateToken()
	if err != nil {
		return "", err
	}
	checkout, err := r.gateway.StartCheckout(ctx, CheckoutRequest{
		SessionID:   sess.ID,
		Method:      method,
		AmountCents: sess.AmountCents,
		Currency:    sess.Currency,
		Description: sess.Description,
		CustomerID:  sess.CustomerID,
		MandateID:   sess.MandateID,
		StateToken:  stateToken,
		ReturnURL:   r.returnURL,
	})
	if err != nil {
		r.log.Error("checkout start failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return "", err
	}

	origin, err := checkoutOrigin(checkout.RedirectURL)
	if err != nil {
		return "", err
	}
	if r.allowedOrigins != nil {
		if _, ok := r.allowedOrigins[origin]; !ok {
			r.log.Warn("checkout origin outside allowlist",
				zap.String("session_id", sess.ID),
				zap.String("origin", origin))
			return "", newError(CodePolicyDenied, fmt.Sprintf("checkout origin %s is not allowed", origin))
		}
	}
	if r.engine.policy != nil {
		if err := r.engine.policy.AuthorizeRedirect(ctx, sess.OrgID, []string{origin}); err != nil {
			return "", err
		}
	}

	if err := r.engine.UpdateProcessorInfo(ctx, sess, domain.RedirectInfo{
		Provider:    checkout.Provider,
		SessionID:   checkout.ProcessorSession,
		StateToken:  stateToken,
		RedirectURL: checkout.RedirectURL,
	}); err != nil {
		return "", err
	}
	if err := r.engine.TransitionStatus(ctx, sess, domain.StatusRedirected, auditdomain.ActorPortalToken, rc, map[string]string{
		"provider": checkout.Provider,
		"method":   string(method),
	}); err != nil {
		return "", err
	}
	return checkout.RedirectURL, nil
}

// HandleReturn correlates the customer's return from the processor back to
// its session via the state token. The terminal transition happens here only
// for synchronous confirmations; asynchronous providers settle via webhook.
func (r *Redirector) HandleReturn(ctx context.Context, stateToken string, outcome RedirectOutcome, rc *RequestContext) (*ReturnResult, error) {
	sess, err := r.engine.FindByProcessorState(ctx, stateToken)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, newError(CodeSessionNotFound, "unknown redirect state")
	}
	r.audit.Record(ctx, audit.Entry{
		SessionID: sess.ID,
		EventType: auditdomain.EventCallbackReceived,
		ActorType: auditdomain.ActorPortalToken,
		IPDigest:  rcIP(rc), UADigest: rcUA(rc), RequestID: rcReq(rc),
		Data:      map[string]string{"outcome": string(outcome)},
	})

	switch outcome {
	case OutcomeConfirmed:
		if sess.Status == domain.StatusRedirected {
			if err := r.engine.TransitionStatus(ctx, sess, domain.StatusCompleted, auditdomain.ActorSystem, rc, nil); err != nil {
				return nil, err
			}
		}
	case OutcomeFailed:
		if sess.Status == domain.StatusRedirected {
			if err := r.engine.TransitionStatus(ctx, sess, domain.StatusFailed, auditdomain.ActorSystem, rc, nil); err != nil {
				return nil, err
			}
		}
	case OutcomePending:
		// Leave REDIRECTED; the webhook inbox settles it.
	default:
		return nil, newError(CodeInvalidInput, fmt.Sprintf("unknown redirect outcome %q", outcome))
	}
	return &ReturnResult{Session: sess, Outcome: outcome}, nil
}

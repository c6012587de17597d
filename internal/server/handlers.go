package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-sessions/backend/internal/audit"
	auditdomain "portal-sessions/backend/internal/audit/domain"
	auditrepo "portal-sessions/backend/internal/audit/repository"
	policydomain "portal-sessions/backend/internal/policy/domain"
	policyengine "portal-sessions/backend/internal/policy/engine"
	policyrepo "portal-sessions/backend/internal/policy/repository"
	"portal-sessions/backend/internal/portal/domain"
	"portal-sessions/backend/internal/portal/service"
	"portal-sessions/backend/internal/security"
	"portal-sessions/backend/internal/webhook"
)

// Handler carries the wired services behind the HTTP routes.
type Handler struct {
	Engine     *service.Engine
	Redirector *service.Redirector
	Inbox      *webhook.Inbox
	AuditRepo  auditrepo.Repository
	PolicyRepo policyrepo.Repository
	Log        *zap.Logger
}

// statusForCode maps engine error codes to HTTP statuses.
var statusForCode = map[service.ErrorCode]int{
	service.CodeSessionNotFound:    http.StatusNotFound,
	service.CodeSessionExpired:     http.StatusGone,
	service.CodeSessionAlreadyUsed: http.StatusConflict,
	service.CodeSessionRevoked:     http.StatusGone,
	service.CodeSessionTerminal:    http.StatusConflict,
	service.CodeInvalidToken:       http.StatusUnauthorized,
	service.CodeTokenMalformed:     http.StatusUnauthorized,
	service.CodeInvalidTransition:  http.StatusConflict,
	service.CodeActionNotAllowed:   http.StatusForbidden,
	service.CodeInvalidInput:       http.StatusBadRequest,
	service.CodePolicyDenied:       http.StatusForbidden,
}

// writeError renders an engine or policy error as JSON. Unknown errors are
// 500 with a generic body; details stay in the logs.
func (h *Handler) writeError(c *gin.Context, err error) {
	if code := service.CodeOf(err); code != "" {
		status, ok := statusForCode[code]
		if !ok {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": string(code), "error_description": err.Error()})
		return
	}
	if policyengine.IsDenied(err) {
		c.JSON(http.StatusForbidden, gin.H{"error": string(service.CodePolicyDenied), "error_description": err.Error()})
		return
	}
	h.Log.Error("internal error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "error_description": "internal server error"})
}

type createSessionRequest struct {
	OrgID           string            `json:"orgId" binding:"required"`
	SubOrgID        string            `json:"subOrgId" binding:"required"`
	CustomerID      string            `json:"customerId" binding:"required"`
	ContractID      string            `json:"contractId"`
	PaymentIntentID string            `json:"paymentIntentId"`
	AllowedActions  []string          `json:"allowedActions" binding:"required"`
	TTLSeconds      int               `json:"ttlSeconds"`
	MaxUses         int               `json:"maxUses"`
	AmountCents     int64             `json:"amountCents"`
	Currency        string            `json:"currency"`
	Description     string            `json:"description"`
	MandateID       string            `json:"mandateId"`
	BankRefMasked   string            `json:"bankRefMasked"`
	IdempotencyKey  string            `json:"idempotencyKey"`
	Metadata        map[string]string `json:"metadata"`
}

type sessionView struct {
	ID              string            `json:"id"`
	OrgID           string            `json:"orgId"`
	SubOrgID        string            `json:"subOrgId"`
	CustomerID      string            `json:"customerId"`
	ContractID      string            `json:"contractId,omitempty"`
	PaymentIntentID string            `json:"paymentIntentId,omitempty"`
	Status          string            `json:"status"`
	AllowedActions  []string          `json:"allowedActions"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	MaxUses         int               `json:"maxUses"`
	UseCount        int               `json:"useCount"`
	AmountCents     int64             `json:"amountCents"`
	Currency        string            `json:"currency"`
	Description     string            `json:"description,omitempty"`
	MandateID       string            `json:"mandateId,omitempty"`
	BankRefMasked   string            `json:"bankRefMasked,omitempty"`
	Processor       *processorView    `json:"processor,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	LastAccessedAt  *time.Time        `json:"lastAccessedAt,omitempty"`
	ConsumedAt      *time.Time        `json:"consumedAt,omitempty"`
	RevokedAt       *time.Time        `json:"revokedAt,omitempty"`
}

type processorView struct {
	Provider  string `json:"provider"`
	SessionID string `json:"sessionId"`
}

func viewOf(s *domain.Session) sessionView {
	v := sessionView{
		ID:              s.ID,
		OrgID:           s.OrgID,
		SubOrgID:        s.SubOrgID,
		CustomerID:      s.CustomerID,
		ContractID:      s.ContractID,
		PaymentIntentID: s.PaymentIntentID,
		Status:          string(s.Status),
		AllowedActions:  actionsOf(s),
		ExpiresAt:       s.ExpiresAt,
		MaxUses:         s.MaxUses,
		UseCount:        s.UseCount,
		AmountCents:     s.AmountCents,
		Currency:        s.Currency,
		Description:     s.Description,
		MandateID:       s.MandateID,
		BankRefMasked:   s.BankRefMasked,
		Metadata:        s.Metadata,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		LastAccessedAt:  s.LastAccessedAt,
		ConsumedAt:      s.ConsumedAt,
		RevokedAt:       s.RevokedAt,
	}
	if s.Redirect != nil {
		v.Processor = &processorView{Provider: s.Redirect.Provider, SessionID: s.Redirect.SessionID}
	}
	return v
}

func actionsOf(s *domain.Session) []string {
	out := make([]string, len(s.AllowedActions))
	for i, a := range s.AllowedActions {
		out[i] = string(a)
	}
	return out
}

// CreateSession handles POST /api/v1/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(service.CodeInvalidInput), "error_description": err.Error()})
		return
	}
	actions := make([]domain.Action, len(req.AllowedActions))
	for i, a := range req.AllowedActions {
		actions[i] = domain.Action(a)
	}
	res, err := h.Engine.CreateSession(c.Request.Context(), service.CreateParams{
		OrgID:           req.OrgID,
		SubOrgID:        req.SubOrgID,
		CustomerID:      req.CustomerID,
		ContractID:      req.ContractID,
		PaymentIntentID: req.PaymentIntentID,
		AllowedActions:  actions,
		TTL:             time.Duration(req.TTLSeconds) * time.Second,
		MaxUses:         req.MaxUses,
		AmountCents:     req.AmountCents,
		Currency:        req.Currency,
		Description:     req.Description,
		MandateID:       req.MandateID,
		BankRefMasked:   req.BankRefMasked,
		IdempotencyKey:  req.IdempotencyKey,
		Metadata:        req.Metadata,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.WasIdempotentHit {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"session":       viewOf(res.Session),
		"token":         res.Token,
		"portalUrl":     res.PortalURL,
		"idempotentHit": res.WasIdempotentHit,
	})
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.Engine.GetSessionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": string(service.CodeSessionNotFound)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(sess)})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// CancelSession handles POST /api/v1/sessions/:id/cancel.
func (h *Handler) CancelSession(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	sess, err := h.Engine.CancelSession(c.Request.Context(), c.Param("id"), req.Reason, staffActor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(sess)})
}

// RevokeSession handles POST /api/v1/sessions/:id/revoke.
func (h *Handler) RevokeSession(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	sess, err := h.Engine.RevokeSession(c.Request.Context(), c.Param("id"), req.Reason, staffActor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(sess)})
}

// ListAudit handles GET /api/v1/sessions/:id/audit.
func (h *Handler) ListAudit(c *gin.Context) {
	limit := int32(100)
	offset := int32(0)
	if v, ok := c.GetQuery("limit"); ok {
		if n, err := parseInt32(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v, ok := c.GetQuery("offset"); ok {
		if n, err := parseInt32(v); err == nil && n >= 0 {
			offset = n
		}
	}
	records, err := h.AuditRepo.ListBySession(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, len(records))
	for i, r := range records {
		out[i] = gin.H{
			"id":             r.ID,
			"eventType":      string(r.EventType),
			"actorType":      string(r.ActorType),
			"previousStatus": r.PreviousStatus,
			"newStatus":      r.NewStatus,
			"requestId":      r.RequestID,
			"data":           r.Data,
			"createdAt":      r.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

type upsertPolicyRequest struct {
	MaxAmountCents         int64    `json:"maxAmountCents"`
	AllowedActions         []string `json:"allowedActions"`
	MaxTTLSeconds          int      `json:"maxTtlSeconds"`
	AllowedRedirectOrigins []string `json:"allowedRedirectOrigins"`
	Rules                  string   `json:"rules"`
	Enabled                *bool    `json:"enabled"`
}

// UpsertOrgPolicy handles PUT /api/v1/orgs/:orgId/policy.
func (h *Handler) UpsertOrgPolicy(c *gin.Context) {
	var req upsertPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(service.CodeInvalidInput), "error_description": err.Error()})
		return
	}
	now := time.Now().UTC()
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	p := &policydomain.OrgPolicy{
		ID:                     uuid.New().String(),
		OrgID:                  c.Param("orgId"),
		MaxAmountCents:         req.MaxAmountCents,
		AllowedActions:         req.AllowedActions,
		MaxTTLSeconds:          req.MaxTTLSeconds,
		AllowedRedirectOrigins: req.AllowedRedirectOrigins,
		Rules:                  req.Rules,
		Enabled:                enabled,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := h.PolicyRepo.Upsert(c.Request.Context(), p); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orgId": p.OrgID, "enabled": p.Enabled})
}

// portalView is the customer-facing subset of a session. No internal ids, no
// digests.
type portalView struct {
	Status         string     `json:"status"`
	AllowedActions []string   `json:"allowedActions"`
	AmountCents    int64      `json:"amountCents"`
	Currency       string     `json:"currency"`
	Description    string     `json:"description,omitempty"`
	BankRefMasked  string     `json:"bankRefMasked,omitempty"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	RemainingUses  int        `json:"remainingUses"`
	ConsumedAt     *time.Time `json:"consumedAt,omitempty"`
}

// AccessPortal handles GET /p/:token.
func (h *Handler) AccessPortal(c *gin.Context) {
	sess, err := h.Engine.AccessSession(c.Request.Context(), c.Param("token"), RequestScope(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, portalView{
		Status:         string(sess.Status),
		AllowedActions: actionsOf(sess),
		AmountCents:    sess.AmountCents,
		Currency:       sess.Currency,
		Description:    sess.Description,
		BankRefMasked:  sess.BankRefMasked,
		ExpiresAt:      sess.ExpiresAt,
		RemainingUses:  sess.MaxUses - sess.UseCount,
		ConsumedAt:     sess.ConsumedAt,
	})
}

type startRedirectRequest struct {
	Method string `json:"method" binding:"required"`
}

// StartRedirect handles POST /p/:token/redirect.
func (h *Handler) StartRedirect(c *gin.Context) {
	var req startRedirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(service.CodeInvalidInput), "error_description": err.Error()})
		return
	}
	url, err := h.Redirector.StartRedirect(c.Request.Context(), c.Param("token"), service.PaymentMethod(req.Method), RequestScope(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redirectUrl": url})
}

// HandleReturn handles GET /portal/return.
func (h *Handler) HandleReturn(c *gin.Context) {
	state := c.Query("state")
	if state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(service.CodeInvalidInput), "error_description": "state is required"})
		return
	}
	outcome := service.RedirectOutcome(c.DefaultQuery("outcome", string(service.OutcomePending)))
	res, err := h.Redirector.HandleReturn(c.Request.Context(), state, outcome, RequestScope(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  string(res.Session.Status),
		"outcome": string(res.Outcome),
	})
}

// ReceiveWebhook handles POST /webhooks/:provider.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	res, err := h.Inbox.Process(c.Request.Context(), c.Param("provider"), c.GetHeader("X-Signature"), body, RequestScope(c))
	if err != nil {
		switch err {
		case webhook.ErrUnknownProvider:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
		case webhook.ErrBadSignature:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_signature"})
		default:
			h.writeError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventId": res.EventID, "status": string(res.Status)})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RateLimitAudit returns the limiter callback: when a throttled request
// carries a resolvable portal token, the hit lands in that session's trail.
func RateLimitAudit(repo service.SessionRepo, rec service.Recorder) func(c *gin.Context) {
	return func(c *gin.Context) {
		token := c.Param("token")
		if !security.TokenWellFormed(token) {
			return
		}
		sess, err := repo.FindByTokenDigest(c.Request.Context(), security.DigestToken(token))
		if err != nil || sess == nil {
			return
		}
		rc := RequestScope(c)
		rec.Record(c.Request.Context(), audit.Entry{
			SessionID: sess.ID,
			EventType: auditdomain.EventRateLimitHit,
			ActorType: auditdomain.ActorPortalToken,
			IPDigest:  rc.IPDigest,
			UADigest:  rc.UADigest,
			RequestID: rc.RequestID,
		})
	}
}

func staffActor(c *gin.Context) auditdomain.ActorType {
	if claims, ok := GetStaffClaims(c); ok && claims.Role == "admin" {
		return auditdomain.ActorAdmin
	}
	return auditdomain.ActorStaff
}

func parseInt32(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	return int32(n), err
}

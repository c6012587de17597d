package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const serviceName = "portal-sessions"

// NewRouter wires Gin routes and middleware. staffAuth may be nil in local
// development; the staff API is then left open and a warning is logged.
func NewRouter(h *Handler, staffAuth *StaffAuth, limiter *RateLimiter, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(Fingerprint())
	r.Use(otelgin.Middleware(serviceName))

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api/v1")
	if staffAuth != nil {
		api.Use(staffAuth.Handler())
	} else if log != nil {
		log.Warn("staff API running without authentication; set STAFF_JWT_PUBLIC_KEY")
	}
	{
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/cancel", h.CancelSession)
		api.POST("/sessions/:id/revoke", h.RevokeSession)
		api.GET("/sessions/:id/audit", h.ListAudit)
		api.PUT("/orgs/:orgId/policy", h.UpsertOrgPolicy)
	}

	portal := r.Group("/p")
	portal.Use(limiter.Handler())
	{
		portal.GET("/:token", h.AccessPortal)
		portal.POST("/:token/redirect", h.StartRedirect)
	}

	r.GET("/portal/return", limiter.Handler(), h.HandleReturn)
	r.POST("/webhooks/:provider", h.ReceiveWebhook)

	return r
}

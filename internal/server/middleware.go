package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"portal-sessions/backend/internal/portal/service"
	"portal-sessions/backend/internal/security"
)

const (
	requestIDKey   = "request_id"
	ipDigestKey    = "ip_digest"
	uaDigestKey    = "ua_digest"
	staffClaimsKey = "staff_claims"
)

// RequestLogger logs incoming HTTP requests with latency and request ID metadata.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}

	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.Request.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)

		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
		}

		switch {
		case status >= 500:
			logger.Error("http_request", fields...)
		case status >= 400:
			logger.Warn("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}

// Fingerprint hashes the client IP and user agent into the request context.
// Handlers pass the digests into audit entries; raw values are never stored.
func Fingerprint() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ip := c.ClientIP(); ip != "" {
			c.Set(ipDigestKey, security.DigestString(ip))
		}
		if ua := c.Request.UserAgent(); ua != "" {
			c.Set(uaDigestKey, security.DigestString(ua))
		}
		c.Next()
	}
}

// RequestScope builds the audit fingerprint context for the current request.
func RequestScope(c *gin.Context) *service.RequestContext {
	return &service.RequestContext{
		IPDigest:  c.GetString(ipDigestKey),
		UADigest:  c.GetString(uaDigestKey),
		RequestID: c.GetString(requestIDKey),
	}
}

// StaffAuth validates the Authorization bearer token and attaches claims.
type StaffAuth struct {
	Verifier *security.StaffVerifier
}

// Handler ensures the request has a valid staff bearer token.
func (m *StaffAuth) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": "Authorization header required."})
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": "Bearer token required."})
			return
		}
		claims, err := m.Verifier.Verify(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": "Invalid staff token."})
			return
		}
		c.Set(staffClaimsKey, claims)
		c.Next()
	}
}

// GetStaffClaims exposes verified staff claims to handlers.
func GetStaffClaims(c *gin.Context) (*security.StaffClaims, bool) {
	value, ok := c.Get(staffClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*security.StaffClaims)
	return claims, ok
}

// RateLimiter enforces per-client throttling on the public portal routes.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	window  time.Duration
	onLimit func(c *gin.Context)
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter for the provided requests-per-minute
// budget. onLimit, if non-nil, runs once per rejected request so the caller
// can record the hit. Returns nil (limiting disabled) when the budget is 0.
func NewRateLimiter(requestsPerMinute int, onLimit func(c *gin.Context)) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	limit := rate.Limit(float64(requestsPerMinute) / 60.0)
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		window:  5 * time.Minute,
		onLimit: onLimit,
		clients: make(map[string]*clientLimiter),
	}
}

// Handler returns the gin middleware enforcing throttling behaviour.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		limiter := r.getLimiter(key)
		if !limiter.Allow() {
			if r.onLimit != nil {
				r.onLimit(c)
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}

func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(r.limit, r.burst)
	r.clients[key] = &clientLimiter{limiter: limiter, lastSeen: now}
	r.cleanupLocked(now)
	return limiter
}

func (r *RateLimiter) cleanupLocked(now time.Time) {
	for key, entry := range r.clients {
		if now.Sub(entry.lastSeen) > r.window {
			delete(r.clients, key)
		}
	}
}

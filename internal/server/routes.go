package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/auth"
	"github.com/mbd888/discard/internal/breaker"
	"github.com/mbd888/discard/internal/cardctx"
	"github.com/mbd888/discard/internal/guard"
	"github.com/mbd888/discard/internal/health"
	"github.com/mbd888/discard/internal/idgen"
	"github.com/mbd888/discard/internal/logging"
	"github.com/mbd888/discard/internal/metrics"
	"github.com/mbd888/discard/internal/mfa"
	"github.com/mbd888/discard/internal/pagination"
	"github.com/mbd888/discard/internal/ratelimit"
	"github.com/mbd888/discard/internal/security"
)

const version = "0.1.0"

const (
	defaultAuditPage = 50
	maxAuditPage     = 500
)

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(security.BodyLimit(security.DefaultMaxBodyBytes))

	cfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		cfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(cfg)
	s.stepUpLimiter = ratelimit.New(ratelimit.StepUpConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// ensureDefaultBreakers seeds a caller's default breakers on first contact.
// Without the global breaker the correlation detector has nothing to trip.
func (s *Server) ensureDefaultBreakers() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		if _, ok := s.seeded.Load(userID); !ok {
			if _, err := s.breakers.InitializeDefaults(c.Request.Context(), userID); err != nil {
				logging.L(c.Request.Context()).Error("failed to seed default breakers", "user_id", userID, "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_error",
					"message": "failed to initialize circuit breakers",
				})
				return
			}
			s.seeded.Store(userID, struct{}{})
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.GET("/info", s.infoHandler)

	authed := v1.Group("", auth.RequireAuth(), s.ensureDefaultBreakers())
	auth.NewHandler(s.authMgr).RegisterRoutes(authed)
	cardctx.NewHandler(s.cards).RegisterRoutes(authed)
	breaker.NewHandler(s.breakers).RegisterRoutes(authed)

	// Every request on these routes may consume an MFA attempt.
	stepUp := authed.Group("", s.stepUpLimiter.Middleware())
	mfa.NewHandler(s.mfaService, s.cards, s.cfg.MFAIssuer).RegisterRoutes(stepUp)
	guard.NewHandler(s.gate).RegisterRoutes(stepUp)

	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	auth.NewHandler(s.authMgr).RegisterAdminRoutes(admin)
	admin.GET("/audit/events", s.auditEventsHandler)
	admin.POST("/audit/anchor", s.anchorHandler)
	admin.GET("/audit/stream", gin.WrapF(s.stream.HandleWebSocket))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
		Checks:    checks,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Discard",
		"description": "Correlation-resistant disposable card guard",
		"version":     version,
	})
}

// auditEventsHandler handles GET /v1/admin/audit/events?userId=&eventType=&from=&to=&limit=&cursor=
func (s *Server) auditEventsHandler(c *gin.Context) {
	q := audit.Query{
		UserID:    c.Query("userId"),
		EventType: audit.EventType(c.Query("eventType")),
	}
	if q.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}
	for param, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		if v := c.Query(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": param + " must be RFC 3339"})
				return
			}
			*dst = t
		}
	}

	limit := defaultAuditPage
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxAuditPage {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return
	}
	q.BeforeID = before
	q.Limit = limit + 1

	events, err := s.auditLog.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to query audit log"})
		return
	}
	events, next := pagination.Page(events, limit, func(e *audit.Event) string { return e.ID })
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events), "nextCursor": next})
}

// anchorHandler handles POST /v1/admin/audit/anchor
func (s *Server) anchorHandler(c *gin.Context) {
	if s.anchorer == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "anchoring_disabled", "message": "AUDIT_ANCHOR_SCHEDULE is not set"})
		return
	}
	anchor, err := s.anchorer.AnchorPending(c.Request.Context())
	switch {
	case errors.Is(err, audit.ErrEmptyBatch):
		c.JSON(http.StatusOK, gin.H{"anchored": false})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to anchor audit batch"})
	default:
		c.JSON(http.StatusCreated, gin.H{"anchored": true, "anchor": anchor})
	}
}

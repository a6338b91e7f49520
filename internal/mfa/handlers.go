package mfa

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/discard/internal/auth"
	"github.com/mbd888/discard/internal/authn"
	"github.com/mbd888/discard/internal/cardctx"
	"github.com/mbd888/discard/internal/logging"
	"github.com/mbd888/discard/internal/risk"
)

// OwnerCheck resolves a card only if it belongs to the user.
type OwnerCheck interface {
	GetOwned(ctx context.Context, userID, cardID string) (*cardctx.CardContext, error)
}

// Handler provides HTTP endpoints for MFA enrollment and challenges.
// Disabling MFA is a gated action and is served by the guard handler.
type Handler struct {
	service *Service
	owners  OwnerCheck
	issuer  string
}

func NewHandler(s *Service, owners OwnerCheck, issuer string) *Handler {
	return &Handler{service: s, owners: owners, issuer: issuer}
}

// RegisterRoutes sets up MFA routes under an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/cards/:cardId/mfa", h.requireOwner)
	g.GET("", h.GetConfiguration)
	g.PATCH("", h.UpdateConfiguration)
	g.POST("/setup", h.Setup)
	g.POST("/setup/verify", h.VerifySetup)
	g.POST("/challenges", h.CreateChallenge)
	g.POST("/challenges/verify", h.VerifyChallenge)
	g.POST("/biometric", h.EnrollBiometric)
	g.GET("/backup-codes", h.BackupCodes)
}

func (h *Handler) requireOwner(c *gin.Context) {
	if _, err := h.owners.GetOwned(c.Request.Context(), auth.GetUserID(c), c.Param("cardId")); err != nil {
		writeError(c, err)
		c.Abort()
		return
	}
	c.Next()
}

// GetConfiguration handles GET /v1/cards/:cardId/mfa
func (h *Handler) GetConfiguration(c *gin.Context) {
	cfg, err := h.service.GetMFAConfiguration(c.Request.Context(), c.Param("cardId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configuration": cfg})
}

// UpdateConfiguration handles PATCH /v1/cards/:cardId/mfa
func (h *Handler) UpdateConfiguration(c *gin.Context) {
	var req ConfigUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	cfg, err := h.service.UpdateConfiguration(c.Request.Context(), c.Param("cardId"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configuration": cfg})
}

// Setup handles POST /v1/cards/:cardId/mfa/setup
func (h *Handler) Setup(c *gin.Context) {
	var req struct {
		AppName string `json:"appName"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.AppName == "" {
		req.AppName = h.issuer
	}
	setup, err := h.service.SetupMFA(c.Request.Context(), c.Param("cardId"), req.AppName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"setup": setup})
}

// VerifySetup handles POST /v1/cards/:cardId/mfa/setup/verify
func (h *Handler) VerifySetup(c *gin.Context) {
	var req struct {
		SetupToken string `json:"setupToken" binding:"required"`
		Code       string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "setupToken and code required"})
		return
	}
	ok, err := h.service.VerifyMFASetup(c.Request.Context(), c.Param("cardId"), req.SetupToken, req.Code)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": ok})
}

// CreateChallenge handles POST /v1/cards/:cardId/mfa/challenges
func (h *Handler) CreateChallenge(c *gin.Context) {
	var req risk.ActionContext
	if err := c.ShouldBindJSON(&req); err != nil || req.Action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "action required"})
		return
	}
	ch, err := h.service.CreateMFAChallenge(c.Request.Context(), c.Param("cardId"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"challenge": ch})
}

// VerifyChallenge handles POST /v1/cards/:cardId/mfa/challenges/verify
func (h *Handler) VerifyChallenge(c *gin.Context) {
	var req ChallengeResponse
	if err := c.ShouldBindJSON(&req); err != nil || req.ChallengeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "challengeId required"})
		return
	}
	ok, err := h.service.VerifyMFAChallenge(c.Request.Context(), c.Param("cardId"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": ok})
}

// EnrollBiometric handles POST /v1/cards/:cardId/mfa/biometric
func (h *Handler) EnrollBiometric(c *gin.Context) {
	var req struct {
		Template []byte `json:"template" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "template required"})
		return
	}
	if err := h.service.EnrollBiometric(c.Request.Context(), c.Param("cardId"), req.Template); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrolled": true})
}

// BackupCodes handles GET /v1/cards/:cardId/mfa/backup-codes
func (h *Handler) BackupCodes(c *gin.Context) {
	n, err := h.service.RemainingBackupCodes(c.Request.Context(), c.Param("cardId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining": n})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, cardctx.ErrContextUnavailable):
		c.JSON(http.StatusNotFound, gin.H{"error": "context_unavailable", "message": "card context unavailable"})
	case errors.Is(err, ErrInvalidSetupToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_setup_token", "message": "setup token is invalid or expired"})
	case errors.Is(err, ErrMFANotEnabled):
		c.JSON(http.StatusConflict, gin.H{"error": "mfa_not_enabled", "message": "MFA is not enabled for this card"})
	case errors.Is(err, ErrMFANotRequired):
		c.JSON(http.StatusConflict, gin.H{"error": "mfa_not_required", "message": "no step-up required for this action"})
	case errors.Is(err, ErrTooManyAttempts):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts", "message": "too many failed attempts, try again later"})
	case errors.Is(err, ErrMethodNotEnrolled), errors.Is(err, authn.ErrInvalidThresholds), errors.Is(err, ErrInvalidBiometric):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_configuration", "message": err.Error()})
	case errors.Is(err, ErrSetupFailed):
		logging.L(c.Request.Context()).Error("mfa setup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "setup_failed", "message": "MFA setup failed"})
	default:
		logging.L(c.Request.Context()).Error("mfa request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "MFA request failed"})
	}
}

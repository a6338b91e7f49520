package guard

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/discard/internal/auth"
	"github.com/mbd888/discard/internal/isolation"
	"github.com/mbd888/discard/internal/logging"
	"github.com/mbd888/discard/internal/mfa"
)

// BoundaryHeader carries the session boundary token the client holds.
const BoundaryHeader = "X-Session-Boundary"

// Handler exposes the pipeline to calling flows. Over HTTP the gate only
// decides; the scope is released before the response is written.
type Handler struct {
	gate *Gate
}

func NewHandler(g *Gate) *Handler {
	return &Handler{gate: g}
}

// RegisterRoutes sets up gate routes under an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/cards/:cardId/authorize", h.Authorize)
	r.POST("/cards/:cardId/mfa/disable", h.DisableMFA)
}

type authorizeRequest struct {
	Action    string                 `json:"action" binding:"required"`
	GoalID    string                 `json:"goalId"`
	Protocol  string                 `json:"protocol"`
	Amount    decimal.Decimal        `json:"amount"`
	DeviceID  string                 `json:"deviceId"`
	RiskScore *int                   `json:"riskScore"`
	Challenge *mfa.ChallengeResponse `json:"challenge"`
}

func requestFrom(c *gin.Context) Request {
	return Request{
		UserID:    auth.GetUserID(c),
		SessionID: auth.GetSessionID(c),
		CardID:    c.Param("cardId"),
		Boundary:  c.GetHeader(BoundaryHeader),
	}
}

// Authorize handles POST /v1/cards/:cardId/authorize
func (h *Handler) Authorize(c *gin.Context) {
	var body authorizeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "action required"})
		return
	}
	if body.Amount.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount must not be negative"})
		return
	}

	req := requestFrom(c)
	req.Action = body.Action
	req.GoalID = body.GoalID
	req.Protocol = body.Protocol
	req.Amount = body.Amount
	req.DeviceID = body.DeviceID
	req.RiskScore = body.RiskScore
	req.Challenge = body.Challenge

	d, err := h.gate.Authorize(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	d.Release()

	status := http.StatusOK
	if d.Outcome == OutcomeChallengeRequired {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"decision": d})
}

// DisableMFA handles POST /v1/cards/:cardId/mfa/disable
func (h *Handler) DisableMFA(c *gin.Context) {
	var body struct {
		Code     string `json:"code" binding:"required"`
		DeviceID string `json:"deviceId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "code required"})
		return
	}
	req := requestFrom(c)
	req.DeviceID = body.DeviceID

	if _, err := h.gate.DisableMFA(c.Request.Context(), req, body.Code); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disabled": true})
}

func writeError(c *gin.Context, err error) {
	var blocked *BlockedError
	var v *isolation.Violation
	switch {
	case errors.As(err, &blocked):
		ids := make([]string, len(blocked.Breakers))
		for i, b := range blocked.Breakers {
			ids[i] = b.BreakerID
		}
		c.JSON(http.StatusLocked, gin.H{"error": "breaker_tripped", "message": err.Error(), "breakerIds": ids})
	case errors.As(err, &v):
		if v.Reason == isolation.ReasonContextUnavailable {
			c.JSON(http.StatusNotFound, gin.H{"error": "context_unavailable", "message": "card context unavailable"})
			return
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "isolation_violation", "message": string(v.Reason)})
	case errors.Is(err, ErrChallengeFailed):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "challenge_failed", "message": "verification failed"})
	case errors.Is(err, mfa.ErrTooManyAttempts):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts", "message": "too many failed attempts, try again later"})
	case errors.Is(err, mfa.ErrMFANotEnabled):
		c.JSON(http.StatusConflict, gin.H{"error": "mfa_not_enabled", "message": "MFA is not enabled for this card"})
	case errors.Is(err, ErrStepUpRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": "step_up_unavailable", "message": "step-up authentication required but not available"})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("gate request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "request could not be authorized"})
	}
}

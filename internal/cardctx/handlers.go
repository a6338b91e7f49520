package cardctx

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/discard/internal/auth"
	"github.com/mbd888/discard/internal/logging"
)

// Handler provides HTTP endpoints for card contexts.
type Handler struct {
	registry *Registry
}

func NewHandler(r *Registry) *Handler {
	return &Handler{registry: r}
}

// RegisterRoutes sets up card routes. All routes require an authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/cards", h.Provision)
	r.GET("/cards", h.List)
	r.GET("/cards/:cardId", h.Get)
	r.DELETE("/cards/:cardId", h.Terminate)
	r.POST("/cards/:cardId/session/rotate", h.Rotate)
	r.POST("/cards/:cardId/activate", h.lifecycle(h.registry.Activate))
	r.POST("/cards/:cardId/pause", h.lifecycle(h.registry.Pause))
	r.POST("/cards/:cardId/resume", h.lifecycle(h.registry.Resume))
	r.POST("/cards/:cardId/unfreeze", h.lifecycle(h.registry.Unfreeze))
	r.POST("/cards/:cardId/freeze", h.Freeze)
}

type provisionRequest struct {
	CardID                string                 `json:"cardId" binding:"required"`
	CorrelationResistance *CorrelationResistance `json:"correlationResistance"`
	Pending               bool                   `json:"pending"`
}

// Provision handles POST /v1/cards
func (h *Handler) Provision(c *gin.Context) {
	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "cardId required"})
		return
	}
	cc, err := h.registry.Provision(c.Request.Context(), ProvisionRequest{
		UserID:     auth.GetUserID(c),
		CardID:     req.CardID,
		Resistance: req.CorrelationResistance,
		Pending:    req.Pending,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"card": cc})
}

// List handles GET /v1/cards
func (h *Handler) List(c *gin.Context) {
	cards, err := h.registry.ListByUser(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cards": cards, "count": len(cards)})
}

// Get handles GET /v1/cards/:cardId
func (h *Handler) Get(c *gin.Context) {
	cc, err := h.registry.GetOwned(c.Request.Context(), auth.GetUserID(c), c.Param("cardId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"card": cc})
}

// Rotate handles POST /v1/cards/:cardId/session/rotate
func (h *Handler) Rotate(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.registry.GetOwned(ctx, auth.GetUserID(c), c.Param("cardId")); err != nil {
		writeError(c, err)
		return
	}
	cc, err := h.registry.RotateSessionBoundary(ctx, c.Param("cardId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"card": cc})
}

// Freeze handles POST /v1/cards/:cardId/freeze
func (h *Handler) Freeze(c *gin.Context) {
	var req struct {
		Reason FreezeReason `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		req.Reason = ReasonUserRequest
	}
	h.lifecycle(func(ctx context.Context, cardID string) (*CardContext, error) {
		return h.registry.Freeze(ctx, cardID, req.Reason)
	})(c)
}

// Terminate handles DELETE /v1/cards/:cardId
func (h *Handler) Terminate(c *gin.Context) {
	h.lifecycle(h.registry.Terminate)(c)
}

func (h *Handler) lifecycle(op func(ctx context.Context, cardID string) (*CardContext, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, err := h.registry.GetOwned(ctx, auth.GetUserID(c), c.Param("cardId")); err != nil {
			writeError(c, err)
			return
		}
		cc, err := op(ctx, c.Param("cardId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"card": cc})
	}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrContextUnavailable):
		c.JSON(http.StatusNotFound, gin.H{"error": "context_unavailable", "message": "card context unavailable"})
	case errors.Is(err, ErrCardExists):
		c.JSON(http.StatusConflict, gin.H{"error": "card_exists", "message": "card already provisioned"})
	case errors.Is(err, ErrHashCollision):
		c.JSON(http.StatusConflict, gin.H{"error": "provisioning_rejected", "message": "card could not be provisioned"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrInvalidReason):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_reason", "message": "unknown freeze reason"})
	default:
		logging.L(c.Request.Context()).Error("card context request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "card request failed"})
	}
}

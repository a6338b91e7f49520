package breaker

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/discard/internal/auth"
	"github.com/mbd888/discard/internal/logging"
)

// Handler provides HTTP endpoints for a user's breakers.
type Handler struct {
	registry *Registry
}

func NewHandler(r *Registry) *Handler {
	return &Handler{registry: r}
}

// RegisterRoutes sets up breaker routes under an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/breakers")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.POST("/defaults", h.InitializeDefaults)
	g.POST("/check", h.Check)
	g.POST("/emergency-stop", h.EmergencyStop)
	g.GET("/:breakerId", h.Get)
	g.DELETE("/:breakerId", h.Delete)
	g.POST("/:breakerId/trip", h.Trip)
	g.POST("/:breakerId/reset", h.Reset)
}

// List handles GET /v1/breakers
func (h *Handler) List(c *gin.Context) {
	bs, err := h.registry.ListBreakers(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakers": bs})
}

// Create handles POST /v1/breakers
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "breakerType required"})
		return
	}
	b, err := h.registry.CreateBreaker(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"breaker": b})
}

// InitializeDefaults handles POST /v1/breakers/defaults
func (h *Handler) InitializeDefaults(c *gin.Context) {
	bs, err := h.registry.InitializeDefaults(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakers": bs})
}

// Check handles POST /v1/breakers/check
func (h *Handler) Check(c *gin.Context) {
	var req Action
	if err := c.ShouldBindJSON(&req); err != nil || req.ActionType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "actionType required"})
		return
	}
	res, err := h.registry.CheckBreakers(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// EmergencyStop handles POST /v1/breakers/emergency-stop
func (h *Handler) EmergencyStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	res, err := h.registry.EmergencyStop(c.Request.Context(), auth.GetUserID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Get handles GET /v1/breakers/:breakerId
func (h *Handler) Get(c *gin.Context) {
	b, err := h.registry.GetBreaker(c.Request.Context(), auth.GetUserID(c), c.Param("breakerId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breaker": b})
}

// Delete handles DELETE /v1/breakers/:breakerId
func (h *Handler) Delete(c *gin.Context) {
	if err := h.registry.DeleteBreaker(c.Request.Context(), auth.GetUserID(c), c.Param("breakerId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Trip handles POST /v1/breakers/:breakerId/trip
func (h *Handler) Trip(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	userID := auth.GetUserID(c)
	res, err := h.registry.TripBreaker(c.Request.Context(), userID, c.Param("breakerId"), userID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Reset handles POST /v1/breakers/:breakerId/reset
func (h *Handler) Reset(c *gin.Context) {
	userID := auth.GetUserID(c)
	res, err := h.registry.ResetBreaker(c.Request.Context(), userID, c.Param("breakerId"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "breaker not found"})
	case errors.Is(err, ErrGlobalBreakerMissing):
		c.JSON(http.StatusConflict, gin.H{"error": "global_breaker_missing", "message": "initialize default breakers first"})
	case errors.Is(err, ErrCannotDeleteDefault):
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot_delete_default", "message": "default breakers can only be tripped or reset"})
	case errors.Is(err, ErrBreakerExists):
		c.JSON(http.StatusConflict, gin.H{"error": "breaker_exists", "message": "breaker already exists"})
	case errors.Is(err, ErrInvalidBreaker):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_breaker", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("breaker request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "breaker request failed"})
	}
}

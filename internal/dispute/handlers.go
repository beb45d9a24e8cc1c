package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradewire/p2p-escrow/internal/ledger"
	"github.com/tradewire/p2p-escrow/internal/trade"
	"github.com/tradewire/p2p-escrow/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListOpen)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes/:id/messages", h.ListMessages)
	r.POST("/disputes/:id/messages", h.AddMessage)
	r.POST("/disputes/:id/review", h.Review)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// ListOpen handles GET /v1/disputes
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	disputes, err := h.service.ListOpen(c.Request.Context(), c.GetString("actorID"), limit)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("actorID"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListMessages handles GET /v1/disputes/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.Messages(c.Request.Context(), c.Param("id"), c.GetString("actorID"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// AddMessage handles POST /v1/disputes/:id/messages
func (h *Handler) AddMessage(c *gin.Context) {
	var req struct {
		Body        string   `json:"body" binding:"required"`
		Attachments []string `json:"attachments"`
		Internal    bool     `json:"internal"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Message body is required",
		})
		return
	}
	req.Body = validation.SanitizeString(req.Body, validation.MaxMessageLength)
	if req.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Message body is empty",
		})
		return
	}

	m, err := h.service.AddMessage(c.Request.Context(), c.Param("id"), c.GetString("actorID"), req.Body, req.Attachments, req.Internal)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// Review handles POST /v1/disputes/:id/review
func (h *Handler) Review(c *gin.Context) {
	d, err := h.service.Review(c.Request.Context(), c.Param("id"), c.GetString("actorID"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req struct {
		Outcome    string  `json:"outcome" binding:"required"`
		SplitRatio float64 `json:"splitRatio"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Outcome is required",
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), c.GetString("actorID"), Status(req.Outcome), req.SplitRatio)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// writeDisputeError maps service errors onto HTTP responses. Resolution
// surfaces trade and ledger errors when settlement fails.
func writeDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, trade.ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not authorized for this dispute operation",
		})
	case errors.Is(err, ErrDisputeClosed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_closed",
			"message": "Dispute already resolved",
		})
	case errors.Is(err, ErrInvalidOutcome), errors.Is(err, trade.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, trade.ErrInvalidTransition), errors.Is(err, trade.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInsufficientEscrowBalance):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_escrow",
			"message": "Escrow balance insufficient for this settlement",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}

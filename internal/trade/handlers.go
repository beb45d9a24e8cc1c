package trade

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradewire/p2p-escrow/internal/ledger"
	"github.com/tradewire/p2p-escrow/internal/validation"
)

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up trade routes. Caller identity comes from the
// actorID context key set by the server's identity middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/actors/:actorId/trades", h.ListTrades)
	r.POST("/trades/:id/confirm-payment", h.ConfirmPayment)
	r.POST("/trades/:id/release", h.Release)
	r.POST("/trades/:id/cancel", h.Cancel)
	r.POST("/trades/:id/dispute", h.RaiseDispute)
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidActor("buyerId", req.BuyerID),
		validation.ValidActor("sellerId", req.SellerID),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("offerId", req.OfferID),
		validation.Required("paymentMethodId", req.PaymentMethodID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if caller := c.GetString("actorID"); caller != req.BuyerID && caller != req.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller must be a trade party",
		})
		return
	}
	req.CreatorID = c.GetString("actorID")

	trade, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeTradeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": trade})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	trade, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("actorID"))
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// ListTrades handles GET /v1/actors/:actorId/trades
func (h *Handler) ListTrades(c *gin.Context) {
	actorID := c.Param("actorId")
	if c.GetString("actorID") != actorID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Callers may only list their own trades",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	trades, err := h.service.ListByActor(c.Request.Context(), actorID, limit)
	if err != nil {
		writeTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// ConfirmPayment handles POST /v1/trades/:id/confirm-payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req struct {
		PaymentReference string `json:"paymentReference"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	req.PaymentReference = validation.SanitizeString(req.PaymentReference, 256)

	trade, err := h.service.ConfirmPayment(c.Request.Context(), c.Param("id"), c.GetString("actorID"), req.PaymentReference)
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// Release handles POST /v1/trades/:id/release
func (h *Handler) Release(c *gin.Context) {
	trade, err := h.service.Release(c.Request.Context(), c.Param("id"), c.GetString("actorID"))
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// Cancel handles POST /v1/trades/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	trade, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("actorID"))
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// RaiseDispute handles POST /v1/trades/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Dispute reason is required",
		})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxMessageLength)

	trade, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), c.GetString("actorID"), req.Reason)
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// writeTradeError maps service errors onto HTTP responses.
func writeTradeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Trade not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not authorized for this trade operation",
		})
	case errors.Is(err, ErrFraudBlocked):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "fraud_blocked",
			"message": err.Error(),
		})
	case errors.Is(err, ErrExpired):
		c.JSON(http.StatusGone, gin.H{
			"error":   "trade_expired",
			"message": "Trade deadline has passed",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Trade was modified concurrently, retry",
		})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_balance",
			"message": "Seller has insufficient available balance",
		})
	case errors.Is(err, ledger.ErrInsufficientEscrowBalance):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_escrow",
			"message": "Escrow balance insufficient for this settlement",
		})
	case errors.Is(err, ErrInvalidOffer), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}

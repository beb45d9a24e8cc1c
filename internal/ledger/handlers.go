package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradewire/p2p-escrow/internal/validation"
)

// Handler provides HTTP endpoints for wallet balances and ledger history.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up wallet and ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/actors/:actorId/balance", h.GetBalance)
	r.GET("/actors/:actorId/ledger", h.GetHistory)
	r.GET("/trades/:id/ledger", h.GetTradeEntries)
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deposits", h.RecordDeposit)
	r.GET("/reconcile/:actorId", h.Reconcile)
	r.GET("/reconcile", h.ReconcileAll)
}

// GetBalance handles GET /v1/actors/:actorId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	actorID := c.Param("actorId")
	if c.GetString("actorID") != actorID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Callers may only read their own balance",
		})
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), actorID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /v1/actors/:actorId/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	actorID := c.Param("actorId")
	if c.GetString("actorID") != actorID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Callers may only read their own ledger",
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

	entries, err := h.ledger.History(c.Request.Context(), actorID, limit)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetTradeEntries handles GET /v1/trades/:id/ledger
func (h *Handler) GetTradeEntries(c *gin.Context) {
	entries, err := h.ledger.TradeEntries(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	remaining, err := h.ledger.Remaining(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":   entries,
		"count":     len(entries),
		"remaining": remaining,
	})
}

// RecordDeposit handles POST /v1/admin/deposits. In production this is called
// by the payment-rail webhook, not by end users.
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req struct {
		ActorID   string `json:"actorId" binding:"required"`
		Amount    string `json:"amount" binding:"required"`
		Reference string `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidActor("actorId", req.ActorID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if err := h.ledger.Deposit(c.Request.Context(), req.ActorID, req.Amount, req.Reference); err != nil {
		writeLedgerError(c, err)
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), req.ActorID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"balance": balance})
}

// Reconcile handles GET /v1/admin/reconcile/:actorId
func (h *Handler) Reconcile(c *gin.Context) {
	result, err := h.ledger.Reconcile(c.Request.Context(), c.Param("actorId"))
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": result})
}

// ReconcileAll handles GET /v1/admin/reconcile
func (h *Handler) ReconcileAll(c *gin.Context) {
	results, err := h.ledger.ReconcileAll(c.Request.Context())
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	mismatches := 0
	for _, r := range results {
		if !r.Match {
			mismatches++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results":    results,
		"count":      len(results),
		"mismatches": mismatches,
	})
}

func writeLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrActorNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Actor not found",
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_balance",
			"message": "Insufficient available balance",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}

package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read endpoints for the activity log.
type Handler struct {
	log *Log
}

// NewHandler creates a new activity log handler.
func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes sets up operator-facing activity log routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/activity/trades/:id", h.ByTrade)
	r.GET("/activity/actors/:actorId", h.ByActor)
}

// ByTrade handles GET /v1/admin/activity/trades/:id
func (h *Handler) ByTrade(c *gin.Context) {
	entries, err := h.log.ForTrade(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// ByActor handles GET /v1/admin/activity/actors/:actorId
func (h *Handler) ByActor(c *gin.Context) {
	entries, err := h.log.ForActor(c.Request.Context(), c.Param("actorId"), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

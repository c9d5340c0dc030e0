package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mail-deliverability-go/internal/deliverylog"
)

// GetDeliveries returns the delivery audit trail with pagination
func (h *Handlers) GetDeliveries(c *gin.Context) {
	page, limit := pagination(c)
	filter := deliverylog.Filter{
		Recipient: c.Query("recipient"),
		Status:    c.Query("status"),
		MessageID: c.Query("message_id"),
	}

	logs, total, err := h.deliveries.List(c.Request.Context(), filter, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch deliveries",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deliveries": logs,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

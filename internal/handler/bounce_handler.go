package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mail-deliverability-go/internal/model"
	"mail-deliverability-go/internal/store"
)

func (h *Handlers) toResponse(r *model.BounceRecord, withEvents bool) BounceRecordResponse {
	resp := BounceRecordResponse{
		ID:               r.ID,
		Email:            r.Email,
		UserID:           r.UserID,
		LastUpdate:       r.LastUpdate,
		CreatedAt:        r.CreatedAt,
		Counts:           h.store.Counts(r),
		ShouldDeactivate: h.store.ShouldDeactivate(r),
	}
	if withEvents {
		resp.Events = r.Events
	}
	return resp
}

// GetBounces returns bounce records with pagination
func (h *Handlers) GetBounces(c *gin.Context) {
	page, limit := pagination(c)

	records, total, err := h.store.List(c.Request.Context(), page, limit)
	if err != nil {
		logrus.Errorf("Failed to list bounce records: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch bounce records",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	responses := make([]BounceRecordResponse, 0, len(records))
	for i := range records {
		responses = append(responses, h.toResponse(&records[i], false))
	}

	c.JSON(http.StatusOK, gin.H{
		"bounces": responses,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// GetBounce returns the record of one address with its events
func (h *Handlers) GetBounce(c *gin.Context) {
	record, err := h.store.Get(c.Request.Context(), c.Param("email"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "No bounces recorded for this address",
				Code:    http.StatusNotFound,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch bounce record",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, h.toResponse(record, true))
}

// GetBlocked tells whether mail to ?email= should be held back
func (h *Handlers) GetBlocked(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "email is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	blocked, err := h.store.IsBlocked(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to evaluate bounce record",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, BlockedResponse{Email: strings.ToLower(email), Blocked: blocked})
}

// DeleteAccountBounces removes the records linked to a canceled account
func (h *Handlers) DeleteAccountBounces(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid account ID",
			Code:    http.StatusBadRequest,
		})
		return
	}

	deleted, err := h.store.DeleteForUser(c.Request.Context(), uint(id))
	if err != nil {
		logrus.Errorf("Failed to delete bounce records of account %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to delete bounce records",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	logrus.Infof("Deleted %d bounce records of account %d", deleted, id)
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

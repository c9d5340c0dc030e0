package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mail-deliverability-go/internal/model"
	"mail-deliverability-go/internal/policy"
	"mail-deliverability-go/internal/scheduler"
)

// BounceRecordResponse is a bounce record with its policy verdict
type BounceRecordResponse struct {
	ID               uint                `json:"id"`
	Email            string              `json:"email"`
	UserID           *uint               `json:"user_id"`
	LastUpdate       time.Time           `json:"last_update"`
	CreatedAt        time.Time           `json:"created_at"`
	Counts           policy.Counts       `json:"counts"`
	ShouldDeactivate bool                `json:"should_deactivate"`
	Events           []model.BounceEvent `json:"events,omitempty"`
}

// BlockedResponse answers whether mail to an address should be held back
type BlockedResponse struct {
	Email   string `json:"email"`
	Blocked bool   `json:"blocked"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                `json:"status"`
	Timestamp time.Time             `json:"timestamp"`
	Database  string                `json:"database"`
	Scheduler string                `json:"scheduler"`
	Jobs      []scheduler.JobStatus `json:"jobs,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}

package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mail-deliverability-go/internal/scheduler"
)

// StartScheduler starts the periodic jobs
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "scheduler_error",
			Message: err.Error(),
			Code:    http.StatusConflict,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler started successfully",
		"status":  "running",
	})
}

// StopScheduler stops the periodic jobs
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to stop scheduler",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler stopped successfully",
		"status":  "stopped",
	})
}

// RunOnce runs every job, or only ?job=<name>, right now
func (h *Handlers) RunOnce(c *gin.Context) {
	var err error
	if name := c.Query("job"); name != "" {
		err = h.scheduler.RunJob(c.Request.Context(), name)
	} else {
		err = h.scheduler.RunOnce(c.Request.Context())
	}

	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, scheduler.ErrUnknownJob):
			code = http.StatusNotFound
		case errors.Is(err, scheduler.ErrJobRunning):
			code = http.StatusConflict
		}
		c.JSON(code, ErrorResponse{
			Error:   "scheduler_error",
			Message: err.Error(),
			Code:    code,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Jobs completed successfully",
		"jobs":    h.scheduler.Status(),
	})
}

// GetSchedulerStatus returns the current scheduler status
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	status := "stopped"
	if h.scheduler.IsRunning() {
		status = "running"
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"jobs":   h.scheduler.Status(),
	})
}

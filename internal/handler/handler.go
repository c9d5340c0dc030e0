package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mail-deliverability-go/internal/deliverylog"
	"mail-deliverability-go/internal/scheduler"
	"mail-deliverability-go/internal/store"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	db         *gorm.DB
	store      *store.Store
	deliveries *deliverylog.Repository
	scheduler  *scheduler.Scheduler
	gatherer   prometheus.Gatherer
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, st *store.Store, deliveries *deliverylog.Repository, sched *scheduler.Scheduler, gatherer prometheus.Gatherer) *Handlers {
	return &Handlers{
		db:         db,
		store:      st,
		deliveries: deliveries,
		scheduler:  sched,
		gatherer:   gatherer,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.GET("/bounces", h.GetBounces)
		api.GET("/bounces/:email", h.GetBounce)
		api.GET("/blocked", h.GetBlocked)
		api.DELETE("/accounts/:id/bounces", h.DeleteAccountBounces)

		api.GET("/deliveries", h.GetDeliveries)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-once", h.RunOnce)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Scheduler: "stopped",
	}

	if err := h.pingDB(c.Request.Context()); err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler != nil {
		if h.scheduler.IsRunning() {
			response.Scheduler = "running"
		}
		response.Jobs = h.scheduler.Status()
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

func (h *Handlers) pingDB(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func pagination(c *gin.Context) (int, int) {
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}
	return page, limit
}

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"order-workflow/internal/models"
	"order-workflow/internal/service"
	"order-workflow/internal/util"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sweeper runs one timeout sweep cycle
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// Handler contains HTTP handlers
type Handler struct {
	orders   *service.OrderService
	registry *service.RegistryService
	sweeper  Sweeper
	authz    *Authorizer
	checks   map[string]Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are pinged by /ready.
func NewHandler(
	orders *service.OrderService,
	registry *service.RegistryService,
	sweeper Sweeper,
	authz *Authorizer,
	checks map[string]Pinger,
) *Handler {
	return &Handler{
		orders:   orders,
		registry: registry,
		sweeper:  sweeper,
		authz:    authz,
		checks:   checks,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine, corsOrigins []string) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", headerUserID, headerRole},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	can := func(resource, action string) gin.HandlerFunc {
		return requirePermission(h.authz, resource, action)
	}

	v1 := router.Group("/api/v1", identify())
	{
		v1.GET("/groups", can("groups", "read"), h.listGroups)

		project := v1.Group("/projects/:project")
		project.GET("/statuses", can("statuses", "read"), h.listStatuses)
		project.POST("/statuses", can("statuses", "write"), h.createStatus)
		project.PATCH("/statuses/:id", can("statuses", "write"), h.updateStatus)
		project.DELETE("/statuses/:id", can("statuses", "write"), h.deleteStatus)
		project.POST("/statuses/:id/move", can("statuses", "write"), h.moveStatus)
		project.POST("/statuses/match", can("statuses", "read"), h.matchKeywords)

		project.GET("/containers", can("containers", "read"), h.listContainers)
		project.POST("/containers", can("containers", "write"), h.createContainer)
		project.PATCH("/containers/:id", can("containers", "write"), h.updateContainer)
		project.DELETE("/containers/:id", can("containers", "write"), h.deleteContainer)

		project.POST("/orders", can("orders", "write"), h.createOrder)

		v1.GET("/orders/:id", can("orders", "read"), h.getOrder)
		v1.GET("/orders/:id/history", can("history", "read"), h.listHistory)
		v1.POST("/orders/:id/comments", can("orders", "write"), h.addComment)
		v1.POST("/orders/:id/transitions", can("orders", "write"), h.applyTransition)

		v1.POST("/sweeps", can("sweeps", "write"), h.runSweep)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) listGroups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": models.Groups()})
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		badRequest(c, "Invalid "+name, nil)
		return 0, false
	}
	return id, true
}

func (h *Handler) listStatuses(c *gin.Context) {
	projectID, ok := paramID(c, "project")
	if !ok {
		return
	}

	statuses, err := h.registry.ListStatuses(c.Request.Context(), projectID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

func (h *Handler) createStatus(c *gin.Context) {
	projectID, ok := paramID(c, "project")
	if !ok {
		return
	}

	var in service.StatusInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	status, err := h.registry.CreateStatus(c.Request.Context(), projectID, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, status)
}

func (h *Handler) updateStatus(c *gin.Context) {
	projectID, ok := paramID(c, "project")
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	var patch service.StatusPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	status, err := h.registry.UpdateStatus(c.Request.Context(), projectID, id, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) deleteStatus(c *gin.Context) {
	projectID, ok := paramID(c, "project")
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	if err := h.registry.DeleteStatus(c.Request.Context(), projectID, id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type moveRequest struct {
	Direction service.Direction `json:"direction"`
}

func (h *Handler) moveStatus(c *gin.Context) {
	projectID, ok := paramID(c, "project")
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	statuses, err := h.registry.ReorderStatus(c.Request.Context(), projectID, id, req.Direction)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

type matchRequest struct {
	Message string `json:"message"`
}

func (h *Handler) matchKeywords(c *gin.Context) {
	projectID, ok := paramID(c, "project")
	if !ok {
		return
	}

	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	status, matched, err := h.registry.MatchPostKeywords(c.Request.Context(), projectID, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matched": matched, "status": status})
}

func (h *Handler) listContainers(c *gin.Context) {
	projectID, ok := paramID(c, "project")
	if !ok {
		return
	}

	containers, err := h.registry.ListContainers(c.Request.Context(), projectID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"containers": containers})
}

func (h *Handler) createContainer(c *gin.Context) {
	projectID, ok := paramID(c, "project")
	if !ok {
		return
	}

	var in service.ContainerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	container, err := h.registry.CreateContainer(c.Request.Context(), projectID, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, container)
}

func (h *Handler) updateContainer(c *gin.Context) {
	projectID, ok := paramID(c, "project")
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	var in service.ContainerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	container, err := h.registry.UpdateContainer(c.Request.Context(), projectID, id, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, container)
}

func (h *Handler) deleteContainer(c *gin.Context) {
	projectID, ok := paramID(c, "project")
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	if err := h.registry.DeleteContainer(c.Request.Context(), projectID, id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	projectID, ok := paramID(c, "project")
	if !ok {
		return
	}

	var in service.CreateOrderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), projectID, in, c.GetString(ctxActor))
	if err != nil && order == nil {
		writeError(c, err)
		return
	}

	body := gin.H{"order": order}
	if err != nil {
		body["dispatch_error"] = err.Error()
	}
	c.JSON(http.StatusCreated, body)
}

// getOrder handles get order by ID. Webmasters do not see orders in hidden statuses.
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	get := h.orders.GetOrder
	if c.GetString(ctxRole) == RoleWebmaster {
		get = h.orders.GetOrderForWebmaster
	}

	order, err := get(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listHistory(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	history, err := h.orders.ListHistory(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

type commentRequest struct {
	Comment string `json:"comment"`
}

func (h *Handler) addComment(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	entry, err := h.orders.AddComment(c.Request.Context(), orderID, c.GetString(ctxActor), req.Comment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) applyTransition(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req service.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	req.OrderID = orderID
	req.Actor = c.GetString(ctxActor)
	req.Action = models.HistoryActionStatusChanged

	res, err := h.orders.ApplyTransition(c.Request.Context(), req)
	if err != nil && res == nil {
		writeError(c, err)
		return
	}

	body := gin.H{
		"order":   res.Order,
		"entry":   res.Entry,
		"intents": res.Intents,
	}
	if err != nil {
		body["dispatch_error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// runSweep runs one sweep cycle outside the schedule
func (h *Handler) runSweep(c *gin.Context) {
	report, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("actor", c.GetString(ctxActor)))
	}
}

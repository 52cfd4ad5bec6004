package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/scheduler"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/warehouse"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerUserID         = "X-User-ID"
	headerIdempotencyKey = "Idempotency-Key"
	headerWarehouseToken = "X-Warehouse-Token"
	headerSignature      = "X-Payment-Signature"
	cookieWarehouseToken = "warehouse_token"
)

// JobAdmin exposes the scheduler to operators
type JobAdmin interface {
	Stats(ctx context.Context) (scheduler.Stats, error)
	ListDead(ctx context.Context, limit int) ([]*models.Job, error)
	RetryDead(ctx context.Context, keys []string) scheduler.BatchResult
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the handler to the services
type Dependencies struct {
	Orders    *service.OrderService
	Payments  WebhookHandler
	Resolver  *service.WarehouseResolver
	Stock     *service.StockLedger
	Jobs      JobAdmin
	Limiter   RateLimiter
	Readiness map[string]Pinger
}

// RateLimitOptions configures the per-IP limiter of the public API
type RateLimitOptions struct {
	Requests int
	Window   time.Duration
}

// Handler contains HTTP handlers
type Handler struct {
	deps      Dependencies
	rateLimit RateLimitOptions
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Dependencies, rateLimit RateLimitOptions) *Handler {
	return &Handler{
		deps:      deps,
		rateLimit: rateLimit,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// outside the per-client rate limit
	router.POST("/api/v1/webhooks/payment", h.paymentWebhook)

	v1 := router.Group("/api/v1")
	v1.Use(rateLimitMiddleware(h.deps.Limiter, h.rateLimit.Requests, h.rateLimit.Window))
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/confirm", h.confirmDelivery)
		v1.GET("/warehouses/resolve", h.resolveWarehouse)
	}

	admin := router.Group("/admin")
	{
		admin.GET("/jobs", h.jobStats)
		admin.POST("/jobs/dead/retry", h.retryDeadJobs)
		admin.GET("/stock", h.getStock)
		admin.POST("/stock/restock", h.restock)
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

	checks := make(map[string]string, len(h.deps.Readiness))
	ready := true
	for name, p := range h.deps.Readiness {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation from the caller's cart
func (h *Handler) createOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.UserID = userID
	req.IdempotencyKey = c.GetHeader(headerIdempotencyKey)
	req.WarehouseToken = warehouseToken(c)

	resp, err := h.deps.Orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if resp.WarehouseToken != "" {
		setWarehouseToken(c, resp.WarehouseToken, resp.WarehouseExpiresAt)
	}

	code := http.StatusCreated
	if resp.Replayed {
		code = http.StatusOK
	}
	c.JSON(code, resp)
}

// listOrders returns the caller's recent orders
func (h *Handler) listOrders(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	orders, err := h.deps.Orders.ListOrders(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	order, err := h.deps.Orders.GetOrder(c.Request.Context(), orderID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// cancelOrder cancels the caller's order
func (h *Handler) cancelOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	order, err := h.deps.Orders.Cancel(c.Request.Context(), orderID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type confirmRequest struct {
	Accepted *bool `json:"accepted" binding:"required"`
}

// confirmDelivery records the customer's delivery answer
func (h *Handler) confirmDelivery(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.deps.Orders.ConfirmDelivery(c.Request.Context(), orderID, userID, *req.Accepted)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// resolveWarehouse returns the warehouse serving the caller
func (h *Handler) resolveWarehouse(c *gin.Context) {
	req := service.ResolveRequest{CacheToken: warehouseToken(c)}

	lat, latErr := strconv.ParseFloat(c.Query("lat"), 64)
	lng, lngErr := strconv.ParseFloat(c.Query("lng"), 64)
	if latErr == nil && lngErr == nil {
		req.Coordinates = &warehouse.Coordinates{Latitude: lat, Longitude: lng}
	}

	resolution, err := h.deps.Resolver.Resolve(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	setWarehouseToken(c, resolution.Token, resolution.ExpiresAt)
	c.JSON(http.StatusOK, resolution)
}

// requireUser reads the user id set by the upstream gateway
func requireUser(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Missing or invalid " + headerUserID,
		})
		return 0, false
	}
	return userID, true
}

func orderIDParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return 0, false
	}
	return orderID, true
}

// warehouseToken prefers the header over the cookie
func warehouseToken(c *gin.Context) string {
	if token := c.GetHeader(headerWarehouseToken); token != "" {
		return token
	}
	token, _ := c.Cookie(cookieWarehouseToken)
	return token
}

func setWarehouseToken(c *gin.Context, token string, expiresAt time.Time) {
	c.Header(headerWarehouseToken, token)
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookieWarehouseToken, token, maxAge, "/", "", c.Request.TLS != nil, true)
}

// writeError maps domain errors to status codes. Anything unknown is an
// infrastructure failure and its details stay in the log.
func (h *Handler) writeError(c *gin.Context, err error) {
	var validationErr *models.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validationErr.Message,
			"field": validationErr.Field,
		})
	case errors.Is(err, models.ErrInsufficientStock):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Insufficient stock",
			"details": err.Error(),
		})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Not found",
		})
	case errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Invalid status transition",
			"details": err.Error(),
		})
	case errors.Is(err, models.ErrServiceUnavailableInArea):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "Service unavailable in your area",
		})
	case errors.Is(err, models.ErrSignatureMismatch):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid signature",
		})
	default:
		util.LoggerFromContext(c.Request.Context(), h.logger).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
		})
	}
}

package api

import (
	"net/http"
	"strconv"

	"fulfillment-service/internal/models"

	"github.com/gin-gonic/gin"
)

const defaultDeadListLimit = 100

// jobStats returns queue sizes and the oldest dead jobs
func (h *Handler) jobStats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := h.deps.Jobs.Stats(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}

	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		limit = defaultDeadListLimit
	}
	dead, err := h.deps.Jobs.ListDead(ctx, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
		"dead":  dead,
	})
}

type retryDeadRequest struct {
	Keys []string `json:"keys" binding:"required,min=1"`
}

// retryDeadJobs revives dead jobs and reports each key's outcome
func (h *Handler) retryDeadJobs(c *gin.Context) {
	var req retryDeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, h.deps.Jobs.RetryDead(c.Request.Context(), req.Keys))
}

// getStock returns the quantity of a product in a warehouse
func (h *Handler) getStock(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Query("productId"), 10, 64)
	if err != nil {
		h.writeError(c, models.NewValidationError("productId", "must be an integer"))
		return
	}
	warehouseID, err := strconv.ParseInt(c.Query("warehouseId"), 10, 64)
	if err != nil {
		h.writeError(c, models.NewValidationError("warehouseId", "must be an integer"))
		return
	}

	quantity, err := h.deps.Stock.Available(c.Request.Context(), productID, warehouseID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.StockEntry{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Quantity:    quantity,
	})
}

type restockRequest struct {
	ProductID   int64 `json:"productId" binding:"required"`
	WarehouseID int64 `json:"warehouseId" binding:"required"`
	Delta       int   `json:"delta" binding:"required"`
}

// restock adds units of a product to a warehouse
func (h *Handler) restock(c *gin.Context) {
	var req restockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	quantity, err := h.deps.Stock.Restock(c.Request.Context(), req.ProductID, req.WarehouseID, req.Delta)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.StockEntry{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Quantity:    quantity,
	})
}

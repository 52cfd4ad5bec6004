package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// WebhookHandler processes signed payment gateway callbacks
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) error
}

// paymentWebhook hands the raw body to the payment service, which verifies
// the signature before decoding it.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unreadable body",
		})
		return
	}

	if err := h.deps.Payments.HandleWebhook(c.Request.Context(), body, c.GetHeader(headerSignature)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

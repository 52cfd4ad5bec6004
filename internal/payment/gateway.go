package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/razorpay/razorpay-go"
)

// RazorpayGateway creates payment intents and refunds through Razorpay
type RazorpayGateway struct {
	client   *razorpay.Client
	currency string
}

// NewRazorpayGateway creates a gateway for the given API credentials
func NewRazorpayGateway(keyID, keySecret, currency string) *RazorpayGateway {
	if currency == "" {
		currency = "INR"
	}
	return &RazorpayGateway{
		client:   razorpay.NewClient(keyID, keySecret),
		currency: currency,
	}
}

// CreateIntent creates a gateway order for amount (minor units) and returns
// its id, which the payment webhook later refers to.
func (g *RazorpayGateway) CreateIntent(ctx context.Context, amount int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data := map[string]interface{}{
		"amount":   amount,
		"currency": g.currency,
		"receipt":  "receipt_" + uuid.New().String(),
	}

	order, err := g.client.Order.Create(data, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create payment intent: %w", err)
	}

	id, ok := order["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("payment intent response has no id")
	}
	return id, nil
}

// Refund returns amount (minor units) of paymentID to the customer
func (g *RazorpayGateway) Refund(ctx context.Context, paymentID string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if paymentID == "" {
		return fmt.Errorf("refund requires a payment id")
	}

	if _, err := g.client.Payment.Refund(paymentID, int(amount), nil, nil); err != nil {
		return fmt.Errorf("failed to refund payment %s: %w", paymentID, err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body
func Sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hmac.Equal(got, h.Sum(nil))
}

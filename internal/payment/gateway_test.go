package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"payment.captured","orderReference":"order_1","paymentId":"pay_1","eventId":"evt_1"}`)
	sig := Sign("whsec", body)

	assert.True(t, VerifySignature("whsec", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("whsec", append(body, ' '), sig))
	assert.False(t, VerifySignature("whsec", body, "zz"))
	assert.False(t, VerifySignature("whsec", body, ""))
	assert.False(t, VerifySignature("", body, sig))
}

func TestNewRazorpayGatewayDefaultsCurrency(t *testing.T) {
	g := NewRazorpayGateway("key", "secret", "")
	assert.Equal(t, "INR", g.currency)
}

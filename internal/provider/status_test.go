package provider

import (
	"testing"

	"licensing/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		provider string
		raw      string
		expected domain.PaymentStatus
	}{
		{"paynow", "Paid", domain.PaymentPaid},
		{"PayNow", "Awaiting Delivery", domain.PaymentPaid},
		{"paynow", "Created", domain.PaymentPending},
		{"paynow", "Cancelled", domain.PaymentFailed},
		{"paypal", "COMPLETED", domain.PaymentPaid},
		{"paypal", "APPROVED", domain.PaymentPending},
		{"paypal", "DENIED", domain.PaymentFailed},
		{"stripe", "succeeded", domain.PaymentPaid},
		{"", " paid ", domain.PaymentPaid},
		{"", "declined", domain.PaymentFailed},
		{"paypal", "something-new", domain.PaymentPending},
		{"paynow", "", domain.PaymentPending},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, Normalize(tt.provider, tt.raw), "%s/%s", tt.provider, tt.raw)
	}
}

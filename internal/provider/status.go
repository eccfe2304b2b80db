// Package provider maps payment-provider status vocabulary onto the three
// states the rest of the service understands.
package provider

import (
	"strings"

	"licensing/internal/domain"
)

const (
	PayNow  = "paynow"
	PayPal  = "paypal"
	Generic = "generic"
)

var payNowStatuses = map[string]domain.PaymentStatus{
	"paid":              domain.PaymentPaid,
	"awaiting delivery": domain.PaymentPaid,
	"delivered":         domain.PaymentPaid,
	"created":           domain.PaymentPending,
	"sent":              domain.PaymentPending,
	"cancelled":         domain.PaymentFailed,
	"failed":            domain.PaymentFailed,
	"disputed":          domain.PaymentFailed,
	"refunded":          domain.PaymentFailed,
}

var payPalStatuses = map[string]domain.PaymentStatus{
	"completed":             domain.PaymentPaid,
	"pending":               domain.PaymentPending,
	"created":               domain.PaymentPending,
	"saved":                 domain.PaymentPending,
	"approved":              domain.PaymentPending,
	"payer_action_required": domain.PaymentPending,
	"declined":              domain.PaymentFailed,
	"denied":                domain.PaymentFailed,
	"failed":                domain.PaymentFailed,
	"voided":                domain.PaymentFailed,
	"refunded":              domain.PaymentFailed,
}

var genericStatuses = map[string]domain.PaymentStatus{
	"paid":      domain.PaymentPaid,
	"success":   domain.PaymentPaid,
	"succeeded": domain.PaymentPaid,
	"completed": domain.PaymentPaid,
	"pending":   domain.PaymentPending,
	"failed":    domain.PaymentFailed,
	"cancelled": domain.PaymentFailed,
	"canceled":  domain.PaymentFailed,
	"declined":  domain.PaymentFailed,
}

// NormalizeName lower-cases and trims a provider name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Normalize maps a provider-reported status to paid, pending or failed.
// Anything unrecognised is pending so that it never triggers issuance.
func Normalize(providerName, raw string) domain.PaymentStatus {
	status := strings.ToLower(strings.TrimSpace(raw))
	table := genericStatuses
	switch NormalizeName(providerName) {
	case PayNow:
		table = payNowStatuses
	case PayPal:
		table = payPalStatuses
	}
	if s, ok := table[status]; ok {
		return s
	}
	return domain.PaymentPending
}

package domain

// PaymentStatus is the provider-independent payment state.
type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentPending PaymentStatus = "pending"
	PaymentFailed  PaymentStatus = "failed"
)

// PaymentEvent is a validated, normalised payment notification.
type PaymentEvent struct {
	Provider    string
	Reference   string
	Status      PaymentStatus
	Product     string
	AmountCents *int64
	Currency    string
	Contact     Contact
}

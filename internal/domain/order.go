package domain

import "time"

type OrderStatus string

const OrderStatusPaid OrderStatus = "paid"

// Order is one payment event from one provider. It is written once and never
// updated; (Provider, ProviderReference) is its natural key.
type Order struct {
	ID                string
	Provider          string
	ProviderReference string
	AmountCents       *int64
	Currency          string
	Contact           Contact
	Status            OrderStatus
	CreatedAt         time.Time
}

// Contact holds the buyer's delivery addresses. At least one should be set.
type Contact struct {
	Email string
	Phone string
}

func (c Contact) Empty() bool {
	return c.Email == "" && c.Phone == ""
}

// IssuedTo prefers the email address, falling back to the phone number.
func (c Contact) IssuedTo() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Phone
}

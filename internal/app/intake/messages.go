package intake

import (
	"fmt"

	"licensing/internal/domain"
)

const emailSubject = "Your License Key"

func licenseMessageBody(key string) string {
	return fmt.Sprintf("Thank you for your purchase.\nYour POS license key: %s\nKeep it safe.", key)
}

type delivery struct {
	method    domain.DeliveryMethod
	recipient string
	subject   string
}

// deliveries lists one entry per contact method the buyer supplied.
func deliveries(c domain.Contact) []delivery {
	var out []delivery
	if c.Email != "" {
		out = append(out, delivery{method: domain.MethodEmail, recipient: c.Email, subject: emailSubject})
	}
	if c.Phone != "" {
		out = append(out, delivery{method: domain.MethodSMS, recipient: c.Phone})
	}
	return out
}

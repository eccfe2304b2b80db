// Package event holds the JSON payloads exchanged with other services.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"licensing/internal/domain"
	"licensing/internal/provider"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names in errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the struct tags of v. Failures wrap domain.ErrInvalidRequest
// and name the offending fields.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, strings.Join(fields, ", "))
}

// PaymentNotification is a payment provider callback, received over the
// webhook or the payment events topic.
type PaymentNotification struct {
	Provider    string `json:"provider" validate:"required,max=64"`
	Reference   string `json:"provider_reference" validate:"required,max=255"`
	Status      string `json:"status" validate:"required,max=64"`
	Product     string `json:"product" validate:"max=128"`
	AmountCents *int64 `json:"amount_cents,omitempty" validate:"omitempty,gte=0"`
	Currency    string `json:"currency" validate:"omitempty,len=3"`
	Email       string `json:"email" validate:"omitempty,email,max=320"`
	Phone       string `json:"phone" validate:"omitempty,e164"`
}

func (n PaymentNotification) Validate() error {
	if err := Validate(n); err != nil {
		return err
	}
	if strings.TrimSpace(n.Email) == "" && strings.TrimSpace(n.Phone) == "" {
		return fmt.Errorf("%w: email or phone is required", domain.ErrInvalidRequest)
	}
	return nil
}

// PaymentEvent normalises the provider name and status.
func (n PaymentNotification) PaymentEvent() domain.PaymentEvent {
	return domain.PaymentEvent{
		Provider:    provider.NormalizeName(n.Provider),
		Reference:   strings.TrimSpace(n.Reference),
		Status:      provider.Normalize(n.Provider, n.Status),
		Product:     strings.TrimSpace(n.Product),
		AmountCents: n.AmountCents,
		Currency:    strings.ToUpper(strings.TrimSpace(n.Currency)),
		Contact: domain.Contact{
			Email: strings.TrimSpace(n.Email),
			Phone: strings.TrimSpace(n.Phone),
		},
	}
}

// LicenseNotification is published for the email/SMS gateway.
type LicenseNotification struct {
	MessageID string    `json:"message_id"`
	LicenseID string    `json:"license_id"`
	Method    string    `json:"method"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

func NewLicenseNotification(msg domain.OutboundMessage, at time.Time) LicenseNotification {
	return LicenseNotification{
		MessageID: msg.ID,
		LicenseID: msg.LicenseID,
		Method:    string(msg.Method),
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Attempt:   msg.Attempts,
		Timestamp: at,
	}
}

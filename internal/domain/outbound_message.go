package domain

import "time"

type MessageStatus string

const (
	MessageStatusQueued  MessageStatus = "queued"
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

func (s MessageStatus) Terminal() bool {
	return s == MessageStatusSent || s == MessageStatusFailed
}

type DeliveryMethod string

const (
	MethodEmail DeliveryMethod = "email"
	MethodSMS   DeliveryMethod = "sms"
)

// OutboundMessage is one queued notification. Only the outbox worker moves it
// through queued -> sending -> sent|failed.
type OutboundMessage struct {
	ID            string
	Recipient     string
	Method        DeliveryMethod
	Subject       string
	Body          string
	LicenseID     string
	Status        MessageStatus
	Attempts      int
	LastResponse  string
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time
	SentAt        *time.Time
}

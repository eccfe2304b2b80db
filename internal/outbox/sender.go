package outbox

import (
	"context"

	"licensing/internal/domain"
)

// Delivery is what a sender reports back on success, kept for audit.
type Delivery struct {
	Response string
}

// Sender hands one message to the outside world. An error means the message
// was not delivered and may be retried.
type Sender interface {
	Send(ctx context.Context, msg domain.OutboundMessage) (Delivery, error)
}

type SenderFunc func(ctx context.Context, msg domain.OutboundMessage) (Delivery, error)

func (f SenderFunc) Send(ctx context.Context, msg domain.OutboundMessage) (Delivery, error) {
	return f(ctx, msg)
}

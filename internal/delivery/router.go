package delivery

import (
	"context"
	"fmt"

	"licensing/internal/domain"
	"licensing/internal/outbox"
)

// MethodRouter dispatches each message to the sender registered for its
// delivery method.
type MethodRouter struct {
	senders  map[domain.DeliveryMethod]outbox.Sender
	fallback outbox.Sender
}

func NewMethodRouter(fallback outbox.Sender) *MethodRouter {
	return &MethodRouter{
		senders:  make(map[domain.DeliveryMethod]outbox.Sender),
		fallback: fallback,
	}
}

// Handle registers sender for method and returns the router for chaining.
func (r *MethodRouter) Handle(method domain.DeliveryMethod, sender outbox.Sender) *MethodRouter {
	r.senders[method] = sender
	return r
}

func (r *MethodRouter) Send(ctx context.Context, msg domain.OutboundMessage) (outbox.Delivery, error) {
	sender, ok := r.senders[msg.Method]
	if !ok {
		sender = r.fallback
	}
	if sender == nil {
		return outbox.Delivery{}, fmt.Errorf("%w: no sender for method %q", domain.ErrDeliveryFailed, msg.Method)
	}
	return sender.Send(ctx, msg)
}

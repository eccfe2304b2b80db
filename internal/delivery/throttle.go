package delivery

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"licensing/internal/domain"
	"licensing/internal/outbox"
)

// Throttled caps how fast the wrapped sender is called across all workers.
// Waiting counts against the send timeout.
type Throttled struct {
	next    outbox.Sender
	limiter *rate.Limiter
}

func NewThrottled(next outbox.Sender, perSecond float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttled) Send(ctx context.Context, msg domain.OutboundMessage) (outbox.Delivery, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return outbox.Delivery{}, fmt.Errorf("send rate limit: %w", err)
	}
	return t.next.Send(ctx, msg)
}

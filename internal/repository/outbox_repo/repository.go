package outbox_repo

import (
	"context"
	"time"

	"licensing/internal/domain"
)

type OutboxRepository interface {
	EnqueueTx(ctx context.Context, querier domain.Querier, msg *domain.OutboundMessage) error
	HasUnconsumedTx(ctx context.Context, querier domain.Querier, licenseID string, method domain.DeliveryMethod) (bool, error)
	GetByIDTx(ctx context.Context, querier domain.Querier, id string) (*domain.OutboundMessage, error)
	ListByLicenseTx(ctx context.Context, querier domain.Querier, licenseID string) ([]domain.OutboundMessage, error)

	ClaimBatch(ctx context.Context, querier domain.Querier, limit int, now time.Time) ([]domain.OutboundMessage, error)
	TouchClaim(ctx context.Context, querier domain.Querier, id string, attempts int, at time.Time) error
	RecordAttempt(ctx context.Context, querier domain.Querier, id, response string, at time.Time) (int, error)
	MarkSent(ctx context.Context, querier domain.Querier, id, response string, at time.Time) error
	Requeue(ctx context.Context, querier domain.Querier, id, response string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, querier domain.Querier, id, response string) error
	ReapStale(ctx context.Context, querier domain.Querier, staleBefore time.Time, maxAttempts int) (ReapResult, error)
	Cancel(ctx context.Context, querier domain.Querier, id, reason string) error
}

type ReapResult struct {
	Requeued int
	Failed   int
}

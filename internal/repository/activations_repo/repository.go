package activations_repo

import (
	"context"

	"licensing/internal/domain"
)

// ActivationRepository is append-only; rows are never updated or deleted.
type ActivationRepository interface {
	AppendTx(ctx context.Context, querier domain.Querier, activation *domain.Activation) error
	LatestTx(ctx context.Context, querier domain.Querier, licenseID string) (*domain.Activation, error)
	ListTx(ctx context.Context, querier domain.Querier, licenseID string) ([]domain.Activation, error)
}

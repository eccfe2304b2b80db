package orders_repo

import (
	"context"

	"licensing/internal/domain"
)

type OrderRepository interface {
	CreateTx(ctx context.Context, querier domain.Querier, order *domain.Order) error
	GetByReferenceTx(ctx context.Context, querier domain.Querier, provider, reference string) (*domain.Order, error)
}

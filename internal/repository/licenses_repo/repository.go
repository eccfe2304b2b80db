package licenses_repo

import (
	"context"
	"time"

	"licensing/internal/domain"
)

type LicenseRepository interface {
	CreateTx(ctx context.Context, querier domain.Querier, license *domain.License) error
	KeyExistsTx(ctx context.Context, querier domain.Querier, key string) (bool, error)
	GetByKeyTx(ctx context.Context, querier domain.Querier, key string) (*domain.License, error)
	GetByKeyForUpdateTx(ctx context.Context, querier domain.Querier, key string) (*domain.License, error)
	GetByOrderIDTx(ctx context.Context, querier domain.Querier, orderID string) (*domain.License, error)
	GetByReferenceTx(ctx context.Context, querier domain.Querier, provider, reference string) (*domain.License, error)
	MarkActivatedTx(ctx context.Context, querier domain.Querier, id string, at time.Time) error
	UpdateStatusTx(ctx context.Context, querier domain.Querier, key string, status domain.LicenseStatus) (*domain.License, error)
}

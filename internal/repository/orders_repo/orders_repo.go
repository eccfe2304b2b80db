package orders_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"licensing/internal/domain"
)

type orderRepository struct{}

func NewOrderRepository() *orderRepository {
	return &orderRepository{}
}

// CreateTx inserts the order unless one already exists for its provider
// reference, in which case domain.ErrIssueConflict is returned and the
// caller's transaction stays usable.
func (r *orderRepository) CreateTx(ctx context.Context, querier domain.Querier, order *domain.Order) error {
	query := `
		INSERT INTO orders (id, provider, provider_reference, amount_cents, currency, email, phone, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (provider, provider_reference) DO NOTHING
		RETURNING id
	`
	var amount sql.NullInt64
	if order.AmountCents != nil {
		amount = sql.NullInt64{Int64: *order.AmountCents, Valid: true}
	}

	var id string
	err := querier.QueryRowContext(ctx, query,
		order.ID,
		order.Provider,
		order.ProviderReference,
		amount,
		order.Currency,
		order.Contact.Email,
		order.Contact.Phone,
		order.Status,
		order.CreatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrIssueConflict
		}
		return fmt.Errorf("failed to create order %s/%s: %w", order.Provider, order.ProviderReference, err)
	}
	return nil
}

func (r *orderRepository) GetByReferenceTx(ctx context.Context, querier domain.Querier, provider, reference string) (*domain.Order, error) {
	query := `
		SELECT id, provider, provider_reference, amount_cents, currency, email, phone, status, created_at
		FROM orders
		WHERE provider = $1 AND provider_reference = $2
	`
	order := &domain.Order{}
	var amount sql.NullInt64
	err := querier.QueryRowContext(ctx, query, provider, reference).Scan(
		&order.ID,
		&order.Provider,
		&order.ProviderReference,
		&amount,
		&order.Currency,
		&order.Contact.Email,
		&order.Contact.Phone,
		&order.Status,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order %s/%s: %w", provider, reference, err)
	}
	if amount.Valid {
		order.AmountCents = &amount.Int64
	}
	return order, nil
}

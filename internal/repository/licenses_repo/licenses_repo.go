package licenses_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"licensing/internal/domain"

	"github.com/lib/pq"
)

const licenseColumns = `l.id, l.license_key, l.product, l.order_id, l.issued_to, l.status,
		l.activated, l.activated_at, l.expires_at, l.created_at`

type licenseRepository struct{}

func NewLicenseRepository() *licenseRepository {
	return &licenseRepository{}
}

// CreateTx returns domain.ErrKeyCollision when the key is taken. ON CONFLICT
// keeps the surrounding transaction alive so the caller can retry with a new key.
func (r *licenseRepository) CreateTx(ctx context.Context, querier domain.Querier, license *domain.License) error {
	query := `
		INSERT INTO licenses (id, license_key, product, order_id, issued_to, status, activated, activated_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (license_key) DO NOTHING
		RETURNING id
	`
	var id string
	err := querier.QueryRowContext(ctx, query,
		license.ID,
		license.Key,
		license.Product,
		license.OrderID,
		license.IssuedTo,
		license.Status,
		license.Activated,
		nullTime(license.ActivatedAt),
		nullTime(license.ExpiresAt),
		license.CreatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrKeyCollision
		}
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("license for order %s already exists: %w", license.OrderID, domain.ErrIssueConflict)
		}
		return fmt.Errorf("failed to create license for order %s: %w", license.OrderID, err)
	}
	return nil
}

func (r *licenseRepository) KeyExistsTx(ctx context.Context, querier domain.Querier, key string) (bool, error) {
	var exists bool
	err := querier.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM licenses WHERE license_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check license key: %w", err)
	}
	return exists, nil
}

func (r *licenseRepository) GetByKeyTx(ctx context.Context, querier domain.Querier, key string) (*domain.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses l WHERE l.license_key = $1`
	return r.getOne(ctx, querier, query, key)
}

// GetByKeyForUpdateTx locks the row until the transaction ends, serialising
// concurrent activations of one license.
func (r *licenseRepository) GetByKeyForUpdateTx(ctx context.Context, querier domain.Querier, key string) (*domain.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses l WHERE l.license_key = $1 FOR UPDATE`
	return r.getOne(ctx, querier, query, key)
}

func (r *licenseRepository) GetByOrderIDTx(ctx context.Context, querier domain.Querier, orderID string) (*domain.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses l WHERE l.order_id = $1`
	return r.getOne(ctx, querier, query, orderID)
}

func (r *licenseRepository) GetByReferenceTx(ctx context.Context, querier domain.Querier, provider, reference string) (*domain.License, error) {
	query := `
		SELECT ` + licenseColumns + `
		FROM licenses l
		JOIN orders o ON o.id = l.order_id
		WHERE o.provider = $1 AND o.provider_reference = $2
	`
	return r.getOne(ctx, querier, query, provider, reference)
}

func (r *licenseRepository) MarkActivatedTx(ctx context.Context, querier domain.Querier, id string, at time.Time) error {
	query := `
		UPDATE licenses
		SET activated = TRUE, activated_at = $1
		WHERE id = $2
	`
	res, err := querier.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark license %s activated: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("license %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *licenseRepository) UpdateStatusTx(ctx context.Context, querier domain.Querier, key string, status domain.LicenseStatus) (*domain.License, error) {
	query := `
		UPDATE licenses l
		SET status = $1
		WHERE l.license_key = $2
		RETURNING ` + licenseColumns
	return r.getOne(ctx, querier, query, status, key)
}

func (r *licenseRepository) getOne(ctx context.Context, querier domain.Querier, query string, args ...any) (*domain.License, error) {
	license := &domain.License{}
	var activatedAt, expiresAt sql.NullTime
	err := querier.QueryRowContext(ctx, query, args...).Scan(
		&license.ID,
		&license.Key,
		&license.Product,
		&license.OrderID,
		&license.IssuedTo,
		&license.Status,
		&license.Activated,
		&activatedAt,
		&expiresAt,
		&license.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get license: %w", err)
	}
	if activatedAt.Valid {
		license.ActivatedAt = &activatedAt.Time
	}
	if expiresAt.Valid {
		license.ExpiresAt = &expiresAt.Time
	}
	return license, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

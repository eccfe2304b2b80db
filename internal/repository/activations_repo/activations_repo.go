package activations_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"licensing/internal/domain"
)

type activationRepository struct{}

func NewActivationRepository() *activationRepository {
	return &activationRepository{}
}

func (r *activationRepository) AppendTx(ctx context.Context, querier domain.Querier, activation *domain.Activation) error {
	query := `
		INSERT INTO license_activations (id, license_id, terminal_id, activated_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := querier.ExecContext(ctx, query,
		activation.ID,
		activation.LicenseID,
		activation.TerminalID,
		activation.ActivatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append activation for license %s: %w", activation.LicenseID, err)
	}
	return nil
}

// LatestTx returns the row naming the license's current terminal, or
// domain.ErrNotFound for a license that was never activated.
func (r *activationRepository) LatestTx(ctx context.Context, querier domain.Querier, licenseID string) (*domain.Activation, error) {
	query := `
		SELECT id, license_id, terminal_id, activated_at
		FROM license_activations
		WHERE license_id = $1
		ORDER BY activated_at DESC, seq DESC
		LIMIT 1
	`
	a := &domain.Activation{}
	err := querier.QueryRowContext(ctx, query, licenseID).Scan(&a.ID, &a.LicenseID, &a.TerminalID, &a.ActivatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest activation for license %s: %w", licenseID, err)
	}
	return a, nil
}

func (r *activationRepository) ListTx(ctx context.Context, querier domain.Querier, licenseID string) ([]domain.Activation, error) {
	query := `
		SELECT id, license_id, terminal_id, activated_at
		FROM license_activations
		WHERE license_id = $1
		ORDER BY activated_at ASC, seq ASC
	`
	rows, err := querier.QueryContext(ctx, query, licenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activations for license %s: %w", licenseID, err)
	}
	defer rows.Close()

	var activations []domain.Activation
	for rows.Next() {
		var a domain.Activation
		if err := rows.Scan(&a.ID, &a.LicenseID, &a.TerminalID, &a.ActivatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activation: %w", err)
		}
		activations = append(activations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activations: %w", err)
	}
	return activations, nil
}

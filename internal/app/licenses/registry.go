package licenses

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"licensing/internal/domain"
	"licensing/internal/util"

	"go.uber.org/zap"
)

type IssueRequest struct {
	Provider    string
	Reference   string
	Product     string
	Contact     domain.Contact
	AmountCents *int64
	Currency    string
}

type IssueResult struct {
	License *domain.License
	Order   *domain.Order
	// Duplicate is set when the reference was already known and nothing was created.
	Duplicate bool
}

// IssueOrFetch returns the license bound to the payment reference, creating
// the order and license on first sight. Concurrent calls for one reference
// converge on a single license.
func (s *Service) IssueOrFetch(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	var result *IssueResult
	var err error
	for attempt := 1; attempt <= s.opts.IssueAttempts; attempt++ {
		err = s.transactor.WithinTx(ctx, func(q domain.Querier) error {
			var txErr error
			result, txErr = s.IssueOrFetchTx(ctx, q, req)
			return txErr
		})
		if !errors.Is(err, domain.ErrIssueConflict) {
			break
		}
		s.logger.Info("Concurrent issuance detected, retrying",
			zap.String("provider", req.Provider),
			zap.String("provider_reference", req.Reference),
			zap.Int("attempt", attempt))
	}
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		LicensesIssuedTotal.WithLabelValues("duplicate").Inc()
	} else {
		LicensesIssuedTotal.WithLabelValues("issued").Inc()
	}
	return result, nil
}

// IssueOrFetchTx is IssueOrFetch inside the caller's transaction. It returns
// domain.ErrIssueConflict when another transaction created the order first;
// the caller must roll back and try again.
func (s *Service) IssueOrFetchTx(ctx context.Context, q domain.Querier, req IssueRequest) (*IssueResult, error) {
	req.Provider = strings.TrimSpace(req.Provider)
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Provider == "" || req.Reference == "" {
		return nil, fmt.Errorf("provider and provider reference are required: %w", domain.ErrInvalidRequest)
	}

	existing, err := s.orders.GetByReferenceTx(ctx, q, req.Provider, req.Reference)
	switch {
	case err == nil:
		license, err := s.licenses.GetByOrderIDTx(ctx, q, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load license for order %s: %w", existing.ID, err)
		}
		s.logger.Info("Payment reference already processed",
			zap.String("provider", req.Provider),
			zap.String("provider_reference", req.Reference),
			zap.String("license_id", license.ID))
		return &IssueResult{License: license, Order: existing, Duplicate: true}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to look up order %s/%s: %w", req.Provider, req.Reference, err)
	}

	now := s.now()
	order := &domain.Order{
		ID:                util.GenerateUUID(),
		Provider:          req.Provider,
		ProviderReference: req.Reference,
		AmountCents:       req.AmountCents,
		Currency:          req.Currency,
		Contact:           req.Contact,
		Status:            domain.OrderStatusPaid,
		CreatedAt:         now,
	}
	if err := s.orders.CreateTx(ctx, q, order); err != nil {
		return nil, err
	}

	license := &domain.License{
		ID:        util.GenerateUUID(),
		Product:   req.Product,
		OrderID:   order.ID,
		IssuedTo:  req.Contact.IssuedTo(),
		Status:    domain.LicenseStatusActive,
		CreatedAt: now,
	}
	if s.opts.Validity > 0 {
		expires := now.Add(s.opts.Validity)
		license.ExpiresAt = &expires
	}
	if err := s.insertWithUniqueKey(ctx, q, license); err != nil {
		return nil, err
	}

	s.logger.Info("License issued",
		zap.String("provider", req.Provider),
		zap.String("provider_reference", req.Reference),
		zap.String("license_id", license.ID),
		zap.String("order_id", order.ID))
	return &IssueResult{License: license, Order: order}, nil
}

// insertWithUniqueKey draws keys until one is free. The existence check keeps
// the common path cheap; the insert itself is the authoritative check.
func (s *Service) insertWithUniqueKey(ctx context.Context, q domain.Querier, license *domain.License) error {
	for i := 0; i < s.opts.KeyAttempts; i++ {
		key, err := s.keys.Generate()
		if err != nil {
			return fmt.Errorf("failed to generate license key: %w", err)
		}
		exists, err := s.licenses.KeyExistsTx(ctx, q, key)
		if err != nil {
			return err
		}
		if exists {
			s.logger.Warn("Generated license key already in use, regenerating", zap.Int("attempt", i+1))
			continue
		}

		license.Key = key
		err = s.licenses.CreateTx(ctx, q, license)
		if errors.Is(err, domain.ErrKeyCollision) {
			s.logger.Warn("License key taken concurrently, regenerating", zap.Int("attempt", i+1))
			continue
		}
		return err
	}
	license.Key = ""
	return fmt.Errorf("no unique license key after %d attempts: %w", s.opts.KeyAttempts, domain.ErrKeyCollision)
}

func (s *Service) FindByKey(ctx context.Context, key string) (*domain.License, error) {
	return s.licenses.GetByKeyTx(ctx, s.db, strings.TrimSpace(key))
}

func (s *Service) FindByReference(ctx context.Context, provider, reference string) (*domain.License, error) {
	return s.licenses.GetByReferenceTx(ctx, s.db, strings.TrimSpace(provider), strings.TrimSpace(reference))
}

// ActivationHistory lists every activation of the license, oldest first.
func (s *Service) ActivationHistory(ctx context.Context, key string) (*domain.License, []domain.Activation, error) {
	license, err := s.licenses.GetByKeyTx(ctx, s.db, strings.TrimSpace(key))
	if err != nil {
		return nil, nil, err
	}
	activations, err := s.activations.ListTx(ctx, s.db, license.ID)
	if err != nil {
		return nil, nil, err
	}
	return license, activations, nil
}

// Revoke permanently disables a license. Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, key string) (*domain.License, error) {
	license, err := s.licenses.UpdateStatusTx(ctx, s.db, strings.TrimSpace(key), domain.LicenseStatusRevoked)
	if err != nil {
		return nil, err
	}
	s.logger.Info("License revoked", zap.String("license_id", license.ID))
	return license, nil
}

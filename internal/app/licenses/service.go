// Package licenses issues licenses for payments and binds them to terminals.
package licenses

import (
	"time"

	"licensing/internal/credential"
	"licensing/internal/domain"
	"licensing/internal/repository/activations_repo"
	"licensing/internal/repository/licenses_repo"
	"licensing/internal/repository/orders_repo"

	"go.uber.org/zap"
)

const (
	defaultKeyAttempts   = 10
	defaultIssueAttempts = 3
)

type KeyGenerator interface {
	Generate() (string, error)
	Valid(key string) bool
}

type Options struct {
	Issuer string
	// Validity is added to the issue time to form expires_at. Zero means
	// licenses never expire.
	Validity      time.Duration
	KeyAttempts   int
	IssueAttempts int
	Now           func() time.Time
}

type Service struct {
	db          domain.Querier
	transactor  domain.Transactor
	orders      orders_repo.OrderRepository
	licenses    licenses_repo.LicenseRepository
	activations activations_repo.ActivationRepository
	keys        KeyGenerator
	signer      *credential.Signer
	verifier    *credential.Verifier
	opts        Options
	logger      *zap.Logger
}

func NewService(
	db domain.Querier,
	transactor domain.Transactor,
	orders orders_repo.OrderRepository,
	licenses licenses_repo.LicenseRepository,
	activations activations_repo.ActivationRepository,
	keys KeyGenerator,
	signer *credential.Signer,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.KeyAttempts <= 0 {
		opts.KeyAttempts = defaultKeyAttempts
	}
	if opts.IssueAttempts <= 0 {
		opts.IssueAttempts = defaultIssueAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		db:          db,
		transactor:  transactor,
		orders:      orders,
		licenses:    licenses,
		activations: activations,
		keys:        keys,
		signer:      signer,
		verifier:    signer.Verifier(),
		opts:        opts,
		logger:      logger,
	}
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

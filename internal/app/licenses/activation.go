package licenses

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"licensing/internal/credential"
	"licensing/internal/domain"
	"licensing/internal/util"

	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeActivated   Outcome = "activated"
	OutcomeReactivated Outcome = "reactivated"
)

// ActivationRequest names the license by raw key or by a token this service
// signed earlier. With both set they must agree.
type ActivationRequest struct {
	LicenseKey string
	Token      string
	TerminalID string
}

type ActivationResult struct {
	License     *domain.License
	Outcome     Outcome
	TerminalID  string
	ActivatedAt time.Time
	Token       string
}

type VerifyRequest struct {
	LicenseKey string
	TerminalID string
}

type VerifyResult struct {
	License *domain.License
	State   domain.LicenseState
	// BoundTerminal is the terminal of the latest activation, empty if none.
	BoundTerminal string
}

// Activate binds the license to the terminal. Re-activation from the bound
// terminal is allowed and records a new activation; any other terminal is
// rejected with domain.ErrTerminalConflict.
func (s *Service) Activate(ctx context.Context, req ActivationRequest) (*ActivationResult, error) {
	result, err := s.activate(ctx, req)
	if err != nil {
		ActivationsTotal.WithLabelValues(domain.Reason(err)).Inc()
		return nil, err
	}
	ActivationsTotal.WithLabelValues(string(result.Outcome)).Inc()
	return result, nil
}

func (s *Service) activate(ctx context.Context, req ActivationRequest) (*ActivationResult, error) {
	terminal := strings.TrimSpace(req.TerminalID)
	if terminal == "" {
		return nil, fmt.Errorf("terminal id is required: %w", domain.ErrInvalidRequest)
	}
	key, err := s.resolveKey(req, terminal)
	if err != nil {
		return nil, err
	}

	result := &ActivationResult{TerminalID: terminal}
	err = s.transactor.WithinTx(ctx, func(q domain.Querier) error {
		license, err := s.licenses.GetByKeyForUpdateTx(ctx, q, key)
		if err != nil {
			return err
		}
		now := s.now()
		if err := checkUsable(license, now); err != nil {
			return err
		}

		lastTerminal, err := s.lastTerminal(ctx, q, license.ID)
		if err != nil {
			return err
		}
		outcome, err := nextOutcome(license, lastTerminal, terminal)
		if err != nil {
			return err
		}

		if err := s.activations.AppendTx(ctx, q, &domain.Activation{
			ID:          util.GenerateUUID(),
			LicenseID:   license.ID,
			TerminalID:  terminal,
			ActivatedAt: now,
		}); err != nil {
			return err
		}
		if err := s.licenses.MarkActivatedTx(ctx, q, license.ID, now); err != nil {
			return err
		}

		license.Activated = true
		license.ActivatedAt = &now
		result.License = license
		result.Outcome = outcome
		result.ActivatedAt = now
		return nil
	})
	if err != nil {
		if !isRejection(err) {
			s.logger.Error("Activation failed", zap.String("terminal_id", terminal), zap.Error(err))
		}
		return nil, err
	}

	token, err := s.IssueToken(result.License, terminal)
	if err != nil {
		return nil, err
	}
	result.Token = token

	s.logger.Info("License activated",
		zap.String("license_id", result.License.ID),
		zap.String("terminal_id", terminal),
		zap.String("outcome", string(result.Outcome)))
	return result, nil
}

// resolveKey converges the raw-key and token entry points on one license key.
func (s *Service) resolveKey(req ActivationRequest, terminal string) (string, error) {
	key := strings.TrimSpace(req.LicenseKey)
	if req.Token == "" {
		if key == "" {
			return "", fmt.Errorf("license key or token is required: %w", domain.ErrInvalidRequest)
		}
		return key, s.checkKeyShape(key)
	}

	claims, err := s.verifier.Verify(strings.TrimSpace(req.Token))
	if err != nil {
		return "", err
	}
	lc, err := credential.ParseLicenseClaims(claims)
	if err != nil {
		return "", err
	}
	if key != "" && key != lc.LicenseKey {
		return "", domain.ErrInvalidCredential
	}
	if lc.TerminalID != "" && lc.TerminalID != terminal {
		return "", domain.ErrTerminalConflict
	}
	return lc.LicenseKey, nil
}

// checkKeyShape rejects keys the generator could never have produced. They
// are reported as unknown, not as a separate reason.
func (s *Service) checkKeyShape(key string) error {
	if !s.keys.Valid(key) {
		return fmt.Errorf("malformed license key: %w", domain.ErrNotFound)
	}
	return nil
}

func (s *Service) lastTerminal(ctx context.Context, q domain.Querier, licenseID string) (string, error) {
	latest, err := s.activations.LatestTx(ctx, q, licenseID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return latest.TerminalID, nil
}

// nextOutcome applies the single-terminal lock.
func nextOutcome(license *domain.License, lastTerminal, terminal string) (Outcome, error) {
	if license.Activated {
		if lastTerminal != "" && lastTerminal != terminal {
			return "", domain.ErrTerminalConflict
		}
		return OutcomeReactivated, nil
	}
	// not activated yet but history names another terminal: refuse to rebind
	if lastTerminal != "" && lastTerminal != terminal {
		return "", domain.ErrTerminalConflict
	}
	return OutcomeActivated, nil
}

func checkUsable(license *domain.License, now time.Time) error {
	switch license.State(now) {
	case domain.StateRevoked:
		return domain.ErrLicenseInvalid
	case domain.StateExpired:
		return domain.ErrLicenseExpired
	}
	return nil
}

// Verify is the read-only counterpart of Activate. A terminal id, when given,
// must match the current binding of an activated license.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	result, err := s.verify(ctx, req)
	if err != nil {
		VerificationsTotal.WithLabelValues(domain.Reason(err)).Inc()
		return nil, err
	}
	VerificationsTotal.WithLabelValues(string(result.State)).Inc()
	return result, nil
}

func (s *Service) verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	key := strings.TrimSpace(req.LicenseKey)
	if err := s.checkKeyShape(key); err != nil {
		return nil, err
	}
	license, err := s.licenses.GetByKeyTx(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := checkUsable(license, now); err != nil {
		return nil, err
	}

	bound, err := s.lastTerminal(ctx, s.db, license.ID)
	if err != nil {
		return nil, err
	}
	terminal := strings.TrimSpace(req.TerminalID)
	if terminal != "" && license.Activated && bound != terminal {
		return nil, domain.ErrTerminalConflict
	}
	return &VerifyResult{License: license, State: license.State(now), BoundTerminal: bound}, nil
}

// VerifyToken checks a token offline-style and then against the registry.
func (s *Service) VerifyToken(ctx context.Context, token, terminal string) (*VerifyResult, error) {
	claims, err := s.verifier.Verify(strings.TrimSpace(token))
	if err != nil {
		VerificationsTotal.WithLabelValues(domain.Reason(err)).Inc()
		return nil, err
	}
	lc, err := credential.ParseLicenseClaims(claims)
	if err != nil {
		VerificationsTotal.WithLabelValues(domain.Reason(err)).Inc()
		return nil, err
	}
	if lc.Expired(s.now()) {
		VerificationsTotal.WithLabelValues(domain.ReasonLicenseExpired).Inc()
		return nil, domain.ErrLicenseExpired
	}
	if lc.TerminalID != "" && terminal != "" && lc.TerminalID != terminal {
		VerificationsTotal.WithLabelValues(domain.ReasonTerminalConflict).Inc()
		return nil, domain.ErrTerminalConflict
	}
	if terminal == "" {
		terminal = lc.TerminalID
	}
	return s.Verify(ctx, VerifyRequest{LicenseKey: lc.LicenseKey, TerminalID: terminal})
}

// IssueToken signs a credential for the license. terminal may be empty for
// the bootstrap token handed out at purchase time.
func (s *Service) IssueToken(license *domain.License, terminal string) (string, error) {
	now := s.now()
	claims := credential.LicenseClaims{
		LicenseKey: license.Key,
		Product:    license.Product,
		TerminalID: terminal,
		OrderID:    license.OrderID,
		Issuer:     s.opts.Issuer,
		TokenID:    util.TokenID(license.ID, now),
		IssuedAt:   now,
		ExpiresAt:  license.ExpiresAt,
	}
	token, err := s.signer.Sign(claims.Claims())
	if err != nil {
		return "", fmt.Errorf("failed to sign credential for license %s: %w", license.ID, err)
	}
	return token, nil
}

func (s *Service) PublicKeyPEM() ([]byte, error) {
	return credential.PublicKeyPEM(s.signer.PublicKey())
}

func isRejection(err error) bool {
	return domain.Reason(err) != domain.ReasonInternal
}

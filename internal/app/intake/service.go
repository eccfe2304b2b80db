// Package intake turns normalised payment events into issued licenses and
// queued notifications.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"licensing/internal/app/licenses"
	"licensing/internal/domain"
	"licensing/internal/repository/outbox_repo"
	"licensing/internal/util"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const defaultIssueAttempts = 3

var PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "licensing",
	Subsystem: "intake",
	Name:      "payment_events_total",
	Help:      "Payment events by normalised status and whether the reference was already known",
}, []string{"status", "duplicate"})

type Registry interface {
	IssueOrFetchTx(ctx context.Context, q domain.Querier, req licenses.IssueRequest) (*licenses.IssueResult, error)
	IssueToken(license *domain.License, terminal string) (string, error)
}

// Trigger wakes the outbox worker without waiting for its next poll.
type Trigger interface {
	Trigger()
}

type Result struct {
	Status  domain.PaymentStatus
	License *domain.License
	Token   string
	// Duplicate marks a replayed notification for a known reference.
	Duplicate bool
	Enqueued  []domain.OutboundMessage
}

type Service struct {
	transactor domain.Transactor
	registry   Registry
	outbox     outbox_repo.OutboxRepository
	trigger    Trigger
	now        func() time.Time
	logger     *zap.Logger
}

func NewService(transactor domain.Transactor, registry Registry, outbox outbox_repo.OutboxRepository, trigger Trigger, logger *zap.Logger) *Service {
	return &Service{
		transactor: transactor,
		registry:   registry,
		outbox:     outbox,
		trigger:    trigger,
		now:        time.Now,
		logger:     logger,
	}
}

// HandlePayment issues a license for a paid event, queues one message per
// contact method and returns a signed credential. Events that are not paid
// have no side effects. Replays return the existing license.
func (s *Service) HandlePayment(ctx context.Context, ev domain.PaymentEvent) (*Result, error) {
	if ev.Status != domain.PaymentPaid {
		s.logger.Info("Payment not paid, nothing to issue",
			zap.String("provider", ev.Provider),
			zap.String("provider_reference", ev.Reference),
			zap.String("status", string(ev.Status)))
		PaymentEventsTotal.WithLabelValues(string(ev.Status), "false").Inc()
		return &Result{Status: ev.Status}, nil
	}

	req := licenses.IssueRequest{
		Provider:    ev.Provider,
		Reference:   ev.Reference,
		Product:     ev.Product,
		Contact:     ev.Contact,
		AmountCents: ev.AmountCents,
		Currency:    ev.Currency,
	}

	var result *Result
	var err error
	for attempt := 1; attempt <= defaultIssueAttempts; attempt++ {
		result = &Result{Status: ev.Status}
		err = s.transactor.WithinTx(ctx, func(q domain.Querier) error {
			issued, err := s.registry.IssueOrFetchTx(ctx, q, req)
			if err != nil {
				return err
			}
			result.License = issued.License
			result.Duplicate = issued.Duplicate
			result.Enqueued, err = s.enqueueTx(ctx, q, issued.License, ev.Contact)
			return err
		})
		if !errors.Is(err, domain.ErrIssueConflict) {
			break
		}
		s.logger.Info("Concurrent notification for the same reference, retrying",
			zap.String("provider", ev.Provider),
			zap.String("provider_reference", ev.Reference),
			zap.Int("attempt", attempt))
	}
	if err != nil {
		s.logger.Error("Failed to process paid event",
			zap.String("provider", ev.Provider),
			zap.String("provider_reference", ev.Reference),
			zap.Error(err))
		return nil, err
	}
	PaymentEventsTotal.WithLabelValues(string(ev.Status), fmt.Sprint(result.Duplicate)).Inc()

	if len(result.Enqueued) > 0 && s.trigger != nil {
		s.trigger.Trigger()
	}

	token, err := s.registry.IssueToken(result.License, "")
	if err != nil {
		return nil, err
	}
	result.Token = token

	s.logger.Info("Paid event processed",
		zap.String("provider", ev.Provider),
		zap.String("provider_reference", ev.Reference),
		zap.String("license_id", result.License.ID),
		zap.Bool("duplicate", result.Duplicate),
		zap.Int("enqueued", len(result.Enqueued)))
	return result, nil
}

// enqueueTx skips a method when the license already has a message for it that
// is queued, in flight or delivered. A permanently failed one is queued again.
func (s *Service) enqueueTx(ctx context.Context, q domain.Querier, license *domain.License, contact domain.Contact) ([]domain.OutboundMessage, error) {
	var enqueued []domain.OutboundMessage
	for _, d := range deliveries(contact) {
		exists, err := s.outbox.HasUnconsumedTx(ctx, q, license.ID, d.method)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		msg := domain.OutboundMessage{
			ID:        util.GenerateUUID(),
			Recipient: d.recipient,
			Method:    d.method,
			Subject:   d.subject,
			Body:      licenseMessageBody(license.Key),
			LicenseID: license.ID,
			Status:    domain.MessageStatusQueued,
			CreatedAt: s.now().UTC(),
		}
		err = s.outbox.EnqueueTx(ctx, q, &msg)
		if errors.Is(err, domain.ErrAlreadyQueued) {
			continue
		}
		if err != nil {
			return nil, err
		}
		enqueued = append(enqueued, msg)
	}
	return enqueued, nil
}

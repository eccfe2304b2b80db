package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"licensing/internal/domain"
	"licensing/internal/repository/outbox_repo"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	maxResponseLen = 1024
	writeTimeout   = 10 * time.Second
	cancelReason   = "cancelled by operator"
)

type Config struct {
	BatchSize   int
	MaxAttempts int
	// InProcessRetries is how many deliveries one claim may try before the
	// message goes back to the queue. Every try counts as an attempt.
	InProcessRetries int
	RetryInterval    time.Duration
	SendTimeout      time.Duration
	PollInterval     time.Duration
	PollJitter       time.Duration
	StaleAfter       time.Duration
	ReapInterval     time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

type Processor struct {
	db     domain.Querier
	repo   outbox_repo.OutboxRepository
	sender Sender
	cfg    Config
	now    func() time.Time
	wake   chan struct{}
	logger *zap.Logger
}

func NewProcessor(db domain.Querier, repo outbox_repo.OutboxRepository, sender Sender, cfg Config, logger *zap.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InProcessRetries <= 0 {
		cfg.InProcessRetries = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	return &Processor{
		db:     db,
		repo:   repo,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Trigger asks an idle worker to poll now. It never blocks.
func (p *Processor) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run starts workers poll loops plus the stale-sending reaper and blocks
// until ctx is cancelled. Deliveries already in flight are allowed to finish.
func (p *Processor) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	p.logger.Info("Starting outbox processor", zap.Int("workers", workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			p.pollLoop(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		p.reapLoop(ctx)
		return nil
	})
	err := g.Wait()
	p.logger.Info("Outbox processor stopped")
	return err
}

func (p *Processor) pollLoop(ctx context.Context, worker int) {
	logger := p.logger.With(zap.Int("worker", worker))
	for {
		if _, err := p.Drain(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Failed to drain outbox", zap.Error(err))
		}

		timer := time.NewTimer(jitter(p.cfg.PollInterval, p.cfg.PollJitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Processor) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ReapStale(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Failed to reap stale outbound messages", zap.Error(err))
			}
		}
	}
}

// Drain processes batches until nothing is due or ctx is cancelled. It
// returns the number of messages claimed.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	total := 0
	for ctx.Err() == nil {
		n, err := p.ProcessBatch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// ProcessBatch claims one batch and delivers each message in it.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	messages, err := p.repo.ClaimBatch(ctx, p.db, p.cfg.BatchSize, p.now().UTC())
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		p.logger.Debug("No due outbound messages")
		return 0, nil
	}
	MessagesClaimedTotal.Add(float64(len(messages)))
	p.logger.Info("Claimed outbound messages", zap.Int("count", len(messages)))

	for _, msg := range messages {
		p.deliver(ctx, msg)
	}
	return len(messages), nil
}

// deliver drives one claimed message to sent, back to queued, or to failed.
// Once claimed, a message always gets its outcome written even if ctx is
// cancelled meanwhile.
func (p *Processor) deliver(ctx context.Context, msg domain.OutboundMessage) {
	logger := p.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("method", string(msg.Method)),
		zap.String("license_id", msg.LicenseID))
	attempts := msg.Attempts
	bg := context.WithoutCancel(ctx)

	if err := p.write(bg, func(c context.Context) error {
		return p.repo.TouchClaim(c, p.db, msg.ID, attempts, p.now().UTC())
	}); err != nil {
		logger.Warn("Outbound message claim lost before send, skipping", zap.Error(err))
		return
	}

	for try := 1; ; try++ {
		delivery, sendErr := p.send(bg, msg)
		if sendErr == nil {
			if err := p.write(bg, func(c context.Context) error {
				return p.repo.MarkSent(c, p.db, msg.ID, truncate(delivery.Response), p.now().UTC())
			}); err != nil {
				logger.Error("Failed to mark outbound message sent", zap.Error(err))
				return
			}
			MessageOutcomesTotal.WithLabelValues(string(msg.Method), string(domain.MessageStatusSent)).Inc()
			logger.Info("Outbound message sent", zap.Int("attempts", attempts))
			return
		}

		response := truncate(sendErr.Error())
		logger.Warn("Delivery attempt failed", zap.Int("attempts", attempts), zap.Error(sendErr))

		if attempts >= p.cfg.MaxAttempts {
			if err := p.write(bg, func(c context.Context) error {
				return p.repo.MarkFailed(c, p.db, msg.ID, response)
			}); err != nil {
				logger.Error("Failed to mark outbound message failed", zap.Error(err))
				return
			}
			MessageOutcomesTotal.WithLabelValues(string(msg.Method), string(domain.MessageStatusFailed)).Inc()
			logger.Error("Outbound message failed permanently",
				zap.Int("attempts", attempts),
				zap.Error(fmt.Errorf("%w: %s", domain.ErrDeliveryFailed, response)))
			return
		}

		if try >= p.cfg.InProcessRetries || !sleep(ctx, p.cfg.RetryInterval) {
			next := p.now().UTC().Add(backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, attempts))
			if err := p.write(bg, func(c context.Context) error {
				return p.repo.Requeue(c, p.db, msg.ID, response, next)
			}); err != nil {
				logger.Error("Failed to requeue outbound message", zap.Error(err))
				return
			}
			MessageOutcomesTotal.WithLabelValues(string(msg.Method), string(domain.MessageStatusQueued)).Inc()
			logger.Info("Outbound message requeued", zap.Int("attempts", attempts), zap.Time("next_attempt_at", next))
			return
		}

		if err := p.write(bg, func(c context.Context) error {
			var recErr error
			attempts, recErr = p.repo.RecordAttempt(c, p.db, msg.ID, response, p.now().UTC())
			return recErr
		}); err != nil {
			logger.Error("Failed to record retry attempt", zap.Error(err))
			return
		}
		msg.Attempts = attempts
	}
}

func (p *Processor) send(ctx context.Context, msg domain.OutboundMessage) (Delivery, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	delivery, err := p.sender.Send(ctx, msg)
	status := "ok"
	if err != nil {
		status = "error"
	}
	SendDuration.WithLabelValues(string(msg.Method), status).Observe(time.Since(start).Seconds())
	return delivery, err
}

func (p *Processor) write(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return fn(ctx)
}

// Messages lists the outbound messages queued for a license, oldest first.
func (p *Processor) Messages(ctx context.Context, licenseID string) ([]domain.OutboundMessage, error) {
	return p.repo.ListByLicenseTx(ctx, p.db, licenseID)
}

// ReapStale reclaims messages whose worker stopped reporting.
func (p *Processor) ReapStale(ctx context.Context) (outbox_repo.ReapResult, error) {
	res, err := p.repo.ReapStale(ctx, p.db, p.now().UTC().Add(-p.cfg.StaleAfter), p.cfg.MaxAttempts)
	if err != nil {
		return res, err
	}
	if res.Requeued > 0 || res.Failed > 0 {
		MessagesReapedTotal.WithLabelValues(string(domain.MessageStatusQueued)).Add(float64(res.Requeued))
		MessagesReapedTotal.WithLabelValues(string(domain.MessageStatusFailed)).Add(float64(res.Failed))
		p.logger.Warn("Reclaimed stale sending messages",
			zap.Int("requeued", res.Requeued),
			zap.Int("failed", res.Failed))
		if res.Requeued > 0 {
			p.Trigger()
		}
	}
	return res, nil
}

// Cancel withdraws a message that no worker has claimed yet.
func (p *Processor) Cancel(ctx context.Context, id string) error {
	if err := p.repo.Cancel(ctx, p.db, id, cancelReason); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		msg, getErr := p.repo.GetByIDTx(ctx, p.db, id)
		if getErr != nil {
			return err
		}
		return fmt.Errorf("outbound message %s is %s, only queued messages can be cancelled: %w", id, msg.Status, domain.ErrNotFound)
	}
	p.logger.Info("Outbound message cancelled", zap.String("message_id", id))
	return nil
}

// sleep waits d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// truncate caps s at maxResponseLen bytes without splitting a rune and drops
// invalid UTF-8, which a TEXT column would reject.
func truncate(s string) string {
	if len(s) > maxResponseLen {
		cut := maxResponseLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return strings.ToValidUTF8(s, "")
}

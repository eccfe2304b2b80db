package outbox_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"licensing/internal/domain"

	"github.com/lib/pq"
)

const messageColumns = `id, recipient, method, subject, body, license_id, status, attempts,
		last_response, created_at, last_attempt_at, next_attempt_at, sent_at`

type outboxRepository struct{}

func NewOutboxRepository() *outboxRepository {
	return &outboxRepository{}
}

// EnqueueTx returns domain.ErrAlreadyQueued when the license already has a
// queued or sending message for the same method.
func (r *outboxRepository) EnqueueTx(ctx context.Context, querier domain.Querier, msg *domain.OutboundMessage) error {
	query := `
		INSERT INTO outbound_messages (id, recipient, method, subject, body, license_id, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (license_id, method) WHERE status IN ('queued', 'sending') DO NOTHING
		RETURNING id
	`
	var id string
	err := querier.QueryRowContext(ctx, query,
		msg.ID,
		msg.Recipient,
		msg.Method,
		msg.Subject,
		msg.Body,
		nullString(msg.LicenseID),
		msg.Status,
		msg.Attempts,
		msg.CreatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrAlreadyQueued
		}
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("outbound message %s already exists: %w", msg.ID, domain.ErrAlreadyQueued)
		}
		return fmt.Errorf("failed to enqueue outbound message: %w", err)
	}
	return nil
}

// HasUnconsumedTx reports whether a message for the license and method is
// queued, in flight, or already delivered.
func (r *outboxRepository) HasUnconsumedTx(ctx context.Context, querier domain.Querier, licenseID string, method domain.DeliveryMethod) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM outbound_messages
			WHERE license_id = $1 AND method = $2 AND status IN ('queued', 'sending', 'sent')
		)
	`
	var exists bool
	if err := querier.QueryRowContext(ctx, query, licenseID, method).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check outbound messages for license %s: %w", licenseID, err)
	}
	return exists, nil
}

func (r *outboxRepository) GetByIDTx(ctx context.Context, querier domain.Querier, id string) (*domain.OutboundMessage, error) {
	msg, err := scanMessage(querier.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM outbound_messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get outbound message %s: %w", id, err)
	}
	return msg, nil
}

func (r *outboxRepository) ListByLicenseTx(ctx context.Context, querier domain.Querier, licenseID string) ([]domain.OutboundMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE license_id = $1 ORDER BY created_at ASC`
	return r.queryMessages(ctx, querier, query, licenseID)
}

// ClaimBatch atomically moves up to limit due queued messages to sending and
// counts the attempt. Rows locked by another worker are skipped, never waited on.
func (r *outboxRepository) ClaimBatch(ctx context.Context, querier domain.Querier, limit int, now time.Time) ([]domain.OutboundMessage, error) {
	query := `
		UPDATE outbound_messages
		SET status = 'sending', attempts = attempts + 1, last_attempt_at = $2, next_attempt_at = NULL
		WHERE id IN (
			SELECT id
			FROM outbound_messages
			WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + messageColumns
	messages, err := r.queryMessages(ctx, querier, query, limit, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbound messages: %w", err)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// TouchClaim refreshes last_attempt_at on a message the caller claimed with
// the given attempts count, so the reaper does not treat rows still waiting
// in a live batch as abandoned. It fails when the message was reaped or
// claimed again since.
func (r *outboxRepository) TouchClaim(ctx context.Context, querier domain.Querier, id string, attempts int, at time.Time) error {
	query := `
		UPDATE outbound_messages
		SET last_attempt_at = $3
		WHERE id = $1 AND status = 'sending' AND attempts = $2
	`
	return r.transition(ctx, querier, "sending", id, query, id, attempts, at)
}

// RecordAttempt counts one more in-process delivery attempt on a message the
// caller holds in sending and returns the new attempts total.
func (r *outboxRepository) RecordAttempt(ctx context.Context, querier domain.Querier, id, response string, at time.Time) (int, error) {
	query := `
		UPDATE outbound_messages
		SET attempts = attempts + 1, last_attempt_at = $2, last_response = $3
		WHERE id = $1 AND status = 'sending'
		RETURNING attempts
	`
	var attempts int
	err := querier.QueryRowContext(ctx, query, id, at, response).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, notSending(id)
		}
		return 0, fmt.Errorf("failed to record attempt for message %s: %w", id, err)
	}
	return attempts, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, querier domain.Querier, id, response string, at time.Time) error {
	query := `
		UPDATE outbound_messages
		SET status = 'sent', last_response = $2, sent_at = $3
		WHERE id = $1 AND status = 'sending'
	`
	return r.transition(ctx, querier, "sent", id, query, id, response, at)
}

func (r *outboxRepository) Requeue(ctx context.Context, querier domain.Querier, id, response string, nextAttemptAt time.Time) error {
	query := `
		UPDATE outbound_messages
		SET status = 'queued', last_response = $2, next_attempt_at = $3
		WHERE id = $1 AND status = 'sending'
	`
	return r.transition(ctx, querier, "queued", id, query, id, response, nextAttemptAt)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, querier domain.Querier, id, response string) error {
	query := `
		UPDATE outbound_messages
		SET status = 'failed', last_response = $2
		WHERE id = $1 AND status = 'sending'
	`
	return r.transition(ctx, querier, "failed", id, query, id, response)
}

// ReapStale returns messages stuck in sending since before staleBefore to the
// queue, or fails them when their attempt budget is already spent.
func (r *outboxRepository) ReapStale(ctx context.Context, querier domain.Querier, staleBefore time.Time, maxAttempts int) (ReapResult, error) {
	query := `
		UPDATE outbound_messages
		SET status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'queued' END,
			last_response = 'delivery abandoned: worker did not report an outcome',
			next_attempt_at = NULL
		WHERE status = 'sending' AND last_attempt_at < $1
		RETURNING status
	`
	rows, err := querier.QueryContext(ctx, query, staleBefore, maxAttempts)
	if err != nil {
		return ReapResult{}, fmt.Errorf("failed to reap stale outbound messages: %w", err)
	}
	defer rows.Close()

	var result ReapResult
	for rows.Next() {
		var status domain.MessageStatus
		if err := rows.Scan(&status); err != nil {
			return ReapResult{}, fmt.Errorf("failed to scan reaped message: %w", err)
		}
		if status == domain.MessageStatusFailed {
			result.Failed++
		} else {
			result.Requeued++
		}
	}
	if err := rows.Err(); err != nil {
		return ReapResult{}, fmt.Errorf("error iterating reaped messages: %w", err)
	}
	return result, nil
}

// Cancel fails a message that is still queued. Messages already claimed by a
// worker cannot be cancelled.
func (r *outboxRepository) Cancel(ctx context.Context, querier domain.Querier, id, reason string) error {
	query := `
		UPDATE outbound_messages
		SET status = 'failed', last_response = $2
		WHERE id = $1 AND status = 'queued'
	`
	res, err := querier.ExecContext(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("failed to cancel outbound message %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for cancel (id %s): %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no queued outbound message with id %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *outboxRepository) transition(ctx context.Context, querier domain.Querier, to, id, query string, args ...any) error {
	res, err := querier.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to move outbound message %s to %s: %w", id, to, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox update (id %s): %w", id, err)
	}
	if rowsAffected == 0 {
		return notSending(id)
	}
	return nil
}

func (r *outboxRepository) queryMessages(ctx context.Context, querier domain.Querier, query string, args ...any) ([]domain.OutboundMessage, error) {
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.OutboundMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbound message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbound messages: %w", err)
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.OutboundMessage, error) {
	msg := &domain.OutboundMessage{}
	var licenseID sql.NullString
	var lastAttemptAt, nextAttemptAt, sentAt sql.NullTime
	err := row.Scan(
		&msg.ID,
		&msg.Recipient,
		&msg.Method,
		&msg.Subject,
		&msg.Body,
		&licenseID,
		&msg.Status,
		&msg.Attempts,
		&msg.LastResponse,
		&msg.CreatedAt,
		&lastAttemptAt,
		&nextAttemptAt,
		&sentAt,
	)
	if err != nil {
		return nil, err
	}
	msg.LicenseID = licenseID.String
	if lastAttemptAt.Valid {
		msg.LastAttemptAt = &lastAttemptAt.Time
	}
	if nextAttemptAt.Valid {
		msg.NextAttemptAt = &nextAttemptAt.Time
	}
	if sentAt.Valid {
		msg.SentAt = &sentAt.Time
	}
	return msg, nil
}

// notSending reports a status write that found the message no longer in
// sending, typically because the reaper reclaimed it.
func notSending(id string) error {
	return fmt.Errorf("outbound message %s is not in sending: %w", id, domain.ErrNotFound)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"licensing/internal/domain"
	"licensing/internal/repository/outbox_repo"
)

// MemStore is an in-memory stand-in for the Postgres repositories. Each
// WithinTx call runs exclusively and its writes are undone when fn fails.
// Reads and writes outside a transaction apply immediately.
type MemStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	orders      map[string]domain.Order
	licenses    map[string]domain.License
	activations []domain.Activation
	messages    map[string]domain.OutboundMessage
	seq         int64

	// BeforeOrderCreate runs inside OrderRepository.CreateTx before the
	// uniqueness check, letting tests interleave a competing writer.
	BeforeOrderCreate func(order *domain.Order)
}

func NewMemStore() *MemStore {
	return &MemStore{
		orders:   make(map[string]domain.Order),
		licenses: make(map[string]domain.License),
		messages: make(map[string]domain.OutboundMessage),
	}
}

type memTx struct {
	undo []func()
}

func (*memTx) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	panic("memTx does not run SQL")
}

func (*memTx) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	panic("memTx does not run SQL")
}

func (*memTx) QueryRowContext(context.Context, string, ...any) *sql.Row {
	panic("memTx does not run SQL")
}

func (s *MemStore) WithinTx(ctx context.Context, fn func(q domain.Querier) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{}
	err := fn(tx)
	if err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
	}
	return err
}

// onRollback must be called with s.mu held.
func onRollback(q domain.Querier, fn func()) {
	if tx, ok := q.(*memTx); ok {
		tx.undo = append(tx.undo, fn)
	}
}

func (s *MemStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

// Counts returns the number of stored orders, licenses, activations and messages.
func (s *MemStore) Counts() (orders, licenses, activations, messages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders), len(s.licenses), len(s.activations), len(s.messages)
}

// SeedLicense stores an order and its license directly, bypassing issuance.
func (s *MemStore) SeedLicense(order domain.Order, license domain.License) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	s.licenses[license.ID] = license
}

func (s *MemStore) SetLicenseStatus(key string, status domain.LicenseStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.licenses {
		if l.Key == key {
			l.Status = status
			s.licenses[id] = l
		}
	}
}

func (s *MemStore) Activations(licenseID string) []domain.Activation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Activation
	for _, a := range s.activations {
		if a.LicenseID == licenseID {
			out = append(out, a)
		}
	}
	return out
}

func (s *MemStore) Messages() []domain.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboundMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Message returns a copy of one stored message.
func (s *MemStore) Message(id string) domain.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

// UpdateMessage applies fn to a stored message, e.g. to age last_attempt_at.
func (s *MemStore) UpdateMessage(id string, fn func(m *domain.OutboundMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[id]
	fn(&m)
	s.messages[id] = m
}

func (s *MemStore) Orders() *MemOrders { return &MemOrders{s} }
func (s *MemStore) Licenses() *MemLicenses { return &MemLicenses{s} }
func (s *MemStore) ActivationRepo() *MemActivations { return &MemActivations{s} }
func (s *MemStore) Outbox() *MemOutbox { return &MemOutbox{s} }

type MemOrders struct{ s *MemStore }

func (r *MemOrders) CreateTx(ctx context.Context, q domain.Querier, order *domain.Order) error {
	if hook := r.s.BeforeOrderCreate; hook != nil {
		hook(order)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.orders {
		if o.Provider == order.Provider && o.ProviderReference == order.ProviderReference {
			return domain.ErrIssueConflict
		}
	}
	r.s.orders[order.ID] = *order
	id := order.ID
	onRollback(q, func() { delete(r.s.orders, id) })
	return nil
}

func (r *MemOrders) GetByReferenceTx(ctx context.Context, q domain.Querier, provider, reference string) (*domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.orders {
		if o.Provider == provider && o.ProviderReference == reference {
			return &o, nil
		}
	}
	return nil, domain.ErrNotFound
}

type MemLicenses struct{ s *MemStore }

func (r *MemLicenses) CreateTx(ctx context.Context, q domain.Querier, license *domain.License) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range r.s.licenses {
		if l.Key == license.Key {
			return domain.ErrKeyCollision
		}
		if l.OrderID == license.OrderID {
			return domain.ErrIssueConflict
		}
	}
	r.s.licenses[license.ID] = *license
	id := license.ID
	onRollback(q, func() { delete(r.s.licenses, id) })
	return nil
}

func (r *MemLicenses) KeyExistsTx(ctx context.Context, q domain.Querier, key string) (bool, error) {
	_, err := r.find(func(l domain.License) bool { return l.Key == key })
	return err == nil, nil
}

func (r *MemLicenses) GetByKeyTx(ctx context.Context, q domain.Querier, key string) (*domain.License, error) {
	return r.find(func(l domain.License) bool { return l.Key == key })
}

func (r *MemLicenses) GetByKeyForUpdateTx(ctx context.Context, q domain.Querier, key string) (*domain.License, error) {
	return r.find(func(l domain.License) bool { return l.Key == key })
}

func (r *MemLicenses) GetByOrderIDTx(ctx context.Context, q domain.Querier, orderID string) (*domain.License, error) {
	return r.find(func(l domain.License) bool { return l.OrderID == orderID })
}

func (r *MemLicenses) GetByReferenceTx(ctx context.Context, q domain.Querier, provider, reference string) (*domain.License, error) {
	order, err := r.s.Orders().GetByReferenceTx(ctx, q, provider, reference)
	if err != nil {
		return nil, err
	}
	return r.GetByOrderIDTx(ctx, q, order.ID)
}

func (r *MemLicenses) MarkActivatedTx(ctx context.Context, q domain.Querier, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.licenses[id]
	if !ok {
		return domain.ErrNotFound
	}
	prev := l
	l.Activated = true
	l.ActivatedAt = &at
	r.s.licenses[id] = l
	onRollback(q, func() { r.s.licenses[id] = prev })
	return nil
}

func (r *MemLicenses) UpdateStatusTx(ctx context.Context, q domain.Querier, key string, status domain.LicenseStatus) (*domain.License, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, l := range r.s.licenses {
		if l.Key == key {
			prev := l
			l.Status = status
			r.s.licenses[id] = l
			onRollback(q, func() { r.s.licenses[id] = prev })
			return &l, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemLicenses) find(match func(domain.License) bool) (*domain.License, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range r.s.licenses {
		if match(l) {
			return &l, nil
		}
	}
	return nil, domain.ErrNotFound
}

type MemActivations struct{ s *MemStore }

func (r *MemActivations) AppendTx(ctx context.Context, q domain.Querier, a *domain.Activation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.activations = append(r.s.activations, *a)
	n := len(r.s.activations) - 1
	onRollback(q, func() { r.s.activations = r.s.activations[:n] })
	return nil
}

func (r *MemActivations) LatestTx(ctx context.Context, q domain.Querier, licenseID string) (*domain.Activation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.activations) - 1; i >= 0; i-- {
		if a := r.s.activations[i]; a.LicenseID == licenseID {
			return &a, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemActivations) ListTx(ctx context.Context, q domain.Querier, licenseID string) ([]domain.Activation, error) {
	return r.s.Activations(licenseID), nil
}

type MemOutbox struct{ s *MemStore }

func (r *MemOutbox) EnqueueTx(ctx context.Context, q domain.Querier, msg *domain.OutboundMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if msg.LicenseID != "" {
		for _, m := range r.s.messages {
			if m.LicenseID == msg.LicenseID && m.Method == msg.Method &&
				(m.Status == domain.MessageStatusQueued || m.Status == domain.MessageStatusSending) {
				return domain.ErrAlreadyQueued
			}
		}
	}
	stored := *msg
	// keep creation order stable even when callers share a timestamp
	stored.CreatedAt = stored.CreatedAt.Add(time.Duration(r.s.nextSeq()))
	r.s.messages[msg.ID] = stored
	id := msg.ID
	onRollback(q, func() { delete(r.s.messages, id) })
	return nil
}

func (r *MemOutbox) HasUnconsumedTx(ctx context.Context, q domain.Querier, licenseID string, method domain.DeliveryMethod) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.messages {
		if m.LicenseID == licenseID && m.Method == method && m.Status != domain.MessageStatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemOutbox) GetByIDTx(ctx context.Context, q domain.Querier, id string) (*domain.OutboundMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &m, nil
}

func (r *MemOutbox) ListByLicenseTx(ctx context.Context, q domain.Querier, licenseID string) ([]domain.OutboundMessage, error) {
	var out []domain.OutboundMessage
	for _, m := range r.s.Messages() {
		if m.LicenseID == licenseID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MemOutbox) ClaimBatch(ctx context.Context, q domain.Querier, limit int, now time.Time) ([]domain.OutboundMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []domain.OutboundMessage
	for _, m := range r.s.messages {
		if m.Status == domain.MessageStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		m := &due[i]
		m.Status = domain.MessageStatusSending
		m.Attempts++
		at := now
		m.LastAttemptAt = &at
		m.NextAttemptAt = nil
		r.s.messages[m.ID] = *m
	}
	return due, nil
}

func (r *MemOutbox) TouchClaim(ctx context.Context, q domain.Querier, id string, attempts int, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != domain.MessageStatusSending || m.Attempts != attempts {
		return fmt.Errorf("outbound message %s is not in sending: %w", id, domain.ErrNotFound)
	}
	m.LastAttemptAt = &at
	r.s.messages[id] = m
	return nil
}

func (r *MemOutbox) RecordAttempt(ctx context.Context, q domain.Querier, id, response string, at time.Time) (int, error) {
	var attempts int
	err := r.update(id, domain.MessageStatusSending, func(m *domain.OutboundMessage) {
		m.Attempts++
		m.LastAttemptAt = &at
		m.LastResponse = response
		attempts = m.Attempts
	})
	return attempts, err
}

func (r *MemOutbox) MarkSent(ctx context.Context, q domain.Querier, id, response string, at time.Time) error {
	return r.update(id, domain.MessageStatusSending, func(m *domain.OutboundMessage) {
		m.Status = domain.MessageStatusSent
		m.LastResponse = response
		m.SentAt = &at
	})
}

func (r *MemOutbox) Requeue(ctx context.Context, q domain.Querier, id, response string, next time.Time) error {
	return r.update(id, domain.MessageStatusSending, func(m *domain.OutboundMessage) {
		m.Status = domain.MessageStatusQueued
		m.LastResponse = response
		m.NextAttemptAt = &next
	})
}

func (r *MemOutbox) MarkFailed(ctx context.Context, q domain.Querier, id, response string) error {
	return r.update(id, domain.MessageStatusSending, func(m *domain.OutboundMessage) {
		m.Status = domain.MessageStatusFailed
		m.LastResponse = response
	})
}

func (r *MemOutbox) ReapStale(ctx context.Context, q domain.Querier, staleBefore time.Time, maxAttempts int) (outbox_repo.ReapResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var res outbox_repo.ReapResult
	for id, m := range r.s.messages {
		if m.Status != domain.MessageStatusSending || m.LastAttemptAt == nil || !m.LastAttemptAt.Before(staleBefore) {
			continue
		}
		if m.Attempts >= maxAttempts {
			m.Status = domain.MessageStatusFailed
			res.Failed++
		} else {
			m.Status = domain.MessageStatusQueued
			res.Requeued++
		}
		m.NextAttemptAt = nil
		r.s.messages[id] = m
	}
	return res, nil
}

func (r *MemOutbox) Cancel(ctx context.Context, q domain.Querier, id, reason string) error {
	err := r.update(id, domain.MessageStatusQueued, func(m *domain.OutboundMessage) {
		m.Status = domain.MessageStatusFailed
		m.LastResponse = reason
	})
	if err != nil {
		return fmt.Errorf("no queued outbound message with id %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *MemOutbox) update(id string, from domain.MessageStatus, fn func(m *domain.OutboundMessage)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != from {
		return fmt.Errorf("outbound message %s is not %s: %w", id, from, domain.ErrNotFound)
	}
	fn(&m)
	r.s.messages[id] = m
	return nil
}

// Package memory provides an in-process outbox store. It honors the same
// claim semantics as the Postgres store and backs local dry runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/betterbobcats/email-outbox/internal/domain"
	"github.com/betterbobcats/email-outbox/internal/service/outbox"
)

// OutboxStore keeps rows in a map guarded by one mutex, so a claim is
// atomic with respect to every other claim.
type OutboxStore struct {
	mu   sync.Mutex
	rows map[string]*row
	seq  int64
	now  func() time.Time
}

type row struct {
	msg domain.OutboxMessage
	seq int64
}

// NewOutboxStore returns an empty store using the wall clock.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{rows: make(map[string]*row), now: time.Now}
}

// WithClock swaps the clock used for created_at, last_attempt_at and sent_at.
func (s *OutboxStore) WithClock(now func() time.Time) *OutboxStore {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// Enqueue inserts a pending row and returns its id.
func (s *OutboxStore) Enqueue(_ context.Context, toEmail string, template domain.TemplateName, payload json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	s.insertLocked(domain.OutboxMessage{
		ID:        id,
		ToEmail:   toEmail,
		Template:  template,
		Payload:   append(json.RawMessage(nil), payload...),
		Status:    domain.OutboxPending,
		CreatedAt: s.now(),
	})
	return id, nil
}

// Insert stores msg as given. Missing id, status or created_at are filled in.
func (s *OutboxStore) Insert(msg domain.OutboxMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Status == "" {
		msg.Status = domain.OutboxPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.insertLocked(msg)
	return msg.ID
}

func (s *OutboxStore) insertLocked(msg domain.OutboxMessage) {
	s.seq++
	s.rows[msg.ID] = &row{msg: msg, seq: s.seq}
}

// Get returns a copy of the row with the given id.
func (s *OutboxStore) Get(id string) (domain.OutboxMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.OutboxMessage{}, false
	}
	return clone(r.msg), true
}

// All returns copies of every row in created_at order.
func (s *OutboxStore) All() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sortedLocked(func(*row) bool { return true })
	out := make([]domain.OutboxMessage, len(rows))
	for i, r := range rows {
		out[i] = clone(r.msg)
	}
	return out
}

// ClaimPending moves up to limit oldest pending rows to sending.
func (s *OutboxStore) ClaimPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	pending := s.sortedLocked(func(r *row) bool { return r.msg.Status == domain.OutboxPending })
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := s.now()
	claimed := make([]domain.OutboxMessage, 0, len(pending))
	for _, r := range pending {
		ts := now
		r.msg.Status = domain.OutboxSending
		r.msg.AttemptCount++
		r.msg.LastAttemptAt = &ts
		r.msg.Error = nil
		claimed = append(claimed, clone(r.msg))
	}
	return claimed, nil
}

// MarkSent moves a sending row to sent. Repeating it on a sent row is a no-op.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return outbox.ErrNotFound
	}
	switch r.msg.Status {
	case domain.OutboxSent:
		return nil
	case domain.OutboxSending:
		ts := s.now()
		r.msg.Status = domain.OutboxSent
		r.msg.SentAt = &ts
		return nil
	default:
		return outbox.ErrInvalidTransition
	}
}

// MarkFailed moves a sending row to failed. Repeating it on a failed row is a no-op.
func (s *OutboxStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return outbox.ErrNotFound
	}
	switch r.msg.Status {
	case domain.OutboxFailed:
		return nil
	case domain.OutboxSending:
		reason := domain.TruncateError(errMsg)
		r.msg.Status = domain.OutboxFailed
		r.msg.Error = &reason
		return nil
	default:
		return outbox.ErrInvalidTransition
	}
}

// CountStaleSending counts sending rows whose last attempt is older than olderThan.
func (s *OutboxStore) CountStaleSending(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	n := 0
	for _, r := range s.rows {
		if r.msg.Status == domain.OutboxSending && r.msg.LastAttemptAt != nil && r.msg.LastAttemptAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// PingContext always succeeds.
func (s *OutboxStore) PingContext(context.Context) error { return nil }

func (s *OutboxStore) sortedLocked(keep func(*row) bool) []*row {
	var out []*row
	for _, r := range s.rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].msg.CreatedAt.Equal(out[j].msg.CreatedAt) {
			return out[i].msg.CreatedAt.Before(out[j].msg.CreatedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func clone(m domain.OutboxMessage) domain.OutboxMessage {
	out := m
	out.Payload = append(json.RawMessage(nil), m.Payload...)
	if m.LastAttemptAt != nil {
		t := *m.LastAttemptAt
		out.LastAttemptAt = &t
	}
	if m.SentAt != nil {
		t := *m.SentAt
		out.SentAt = &t
	}
	if m.Error != nil {
		e := *m.Error
		out.Error = &e
	}
	return out
}

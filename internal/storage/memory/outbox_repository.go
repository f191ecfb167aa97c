package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

type outboxState uint8

const (
	outboxPending outboxState = iota
	outboxSent
	outboxFailed
)

type outboxEntry struct {
	msg         domain.OutboxMessage
	state       outboxState
	nextAttempt time.Time
	leasedUntil time.Time
	lastError   string
}

// OutboxRepository держит outbox в памяти процесса с теми же правилами аренды, что и postgres.
type OutboxRepository struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*outboxEntry
}

func NewOutboxRepository() *OutboxRepository {
	return newOutbox(func() time.Time { return time.Now().UTC() })
}

func newOutbox(now func() time.Time) *OutboxRepository {
	return &OutboxRepository{now: now, entries: make(map[string]*outboxEntry)}
}

func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if existing, ok := r.entries[msg.ID]; ok {
		return copyOutboxMessage(existing.msg), nil
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	msg.Attempts = 0
	msg.Payload = append([]byte(nil), msg.Payload...)
	r.entries[msg.ID] = &outboxEntry{msg: msg, nextAttempt: msg.CreatedAt}
	return copyOutboxMessage(msg), nil
}

func (r *OutboxRepository) Claim(_ context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	due := make([]*outboxEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.state == outboxPending && !e.nextAttempt.After(now) && !e.leasedUntil.After(now) {
			due = append(due, e)
		}
	}
	sortEntries(due)
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.OutboxMessage, 0, len(due))
	for _, e := range due {
		e.leasedUntil = now.Add(lease)
		claimed = append(claimed, copyOutboxMessage(e.msg))
	}
	return claimed, nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	pending := r.AllPending()
	stats := domain.OutboxStats{PendingCount: len(pending)}
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].CreatedAt
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id, func(e *outboxEntry) { e.state = outboxSent })
}

func (r *OutboxRepository) Reschedule(_ context.Context, id string, retryAt time.Time, cause string) error {
	return r.settle(id, func(e *outboxEntry) {
		e.nextAttempt = retryAt.UTC()
		e.lastError = cause
	})
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string, cause string) error {
	return r.settle(id, func(e *outboxEntry) {
		e.state = outboxFailed
		e.lastError = cause
	})
}

// AllPending возвращает все неотправленные сообщения по порядку постановки, не трогая аренду.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]*outboxEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.state == outboxPending {
			pending = append(pending, e)
		}
	}
	sortEntries(pending)

	out := make([]domain.OutboxMessage, 0, len(pending))
	for _, e := range pending {
		out = append(out, copyOutboxMessage(e.msg))
	}
	return out
}

func (r *OutboxRepository) settle(id string, apply func(*outboxEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state != outboxPending {
		return fmt.Errorf("%w: %s", domain.ErrOutboxMessageNotFound, id)
	}
	e.msg.Attempts++
	e.leasedUntil = time.Time{}
	apply(e)
	return nil
}

func sortEntries(entries []*outboxEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].msg, entries[j].msg
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func copyOutboxMessage(msg domain.OutboxMessage) domain.OutboxMessage {
	msg.Payload = append([]byte(nil), msg.Payload...)
	return msg
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)

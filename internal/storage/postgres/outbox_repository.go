package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

const defaultClaimLimit = 100

type outboxTable struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository создаёт outbox поверх таблицы outbox.
// Claim использует FOR UPDATE SKIP LOCKED, поэтому воркеры разных реплик не мешают друг другу.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxTable{db: store.DB(), now: func() time.Time { return time.Now().UTC() }}
}

func (r *outboxTable) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	payload := msg.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	// повторная постановка с тем же id ничего не меняет
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $6)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, payload, msg.CreatedAt,
	)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox %s: %w", msg.ID, err)
	}
	msg.Attempts = 0
	return msg, nil
}

func (r *outboxTable) Claim(ctx context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultClaimLimit
	}
	now := r.now()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox
		SET locked_until = $2, updated_at = $3
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'pending'
			  AND next_attempt_at <= $3
			  AND (locked_until IS NULL OR locked_until <= $3)
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, event_type, payload, attempt_count, created_at`,
		limit, now.Add(lease), now,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []domain.OutboxMessage
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType,
			&msg.Payload, &msg.Attempts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed outbox row: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		claimed = append(claimed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read claimed outbox rows: %w", err)
	}

	// RETURNING не сохраняет порядок подзапроса
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		}
		return claimed[i].ID < claimed[j].ID
	})
	return claimed, nil
}

func (r *outboxTable) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox WHERE status = 'pending'`,
	).Scan(&stats.PendingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxTable) MarkSent(ctx context.Context, id string) error {
	return r.settle(ctx, id, `
		UPDATE outbox
		SET status = 'sent', attempt_count = attempt_count + 1, locked_until = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'`,
		id, r.now())
}

func (r *outboxTable) Reschedule(ctx context.Context, id string, retryAt time.Time, cause string) error {
	return r.settle(ctx, id, `
		UPDATE outbox
		SET attempt_count = attempt_count + 1, next_attempt_at = $3, last_error = $4,
		    locked_until = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'`,
		id, r.now(), retryAt.UTC(), cause)
}

func (r *outboxTable) MarkFailed(ctx context.Context, id string, cause string) error {
	return r.settle(ctx, id, `
		UPDATE outbox
		SET status = 'failed', attempt_count = attempt_count + 1, last_error = $3,
		    locked_until = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'`,
		id, r.now(), cause)
}

// settle выполняет переход из pending; отсутствие строки — ErrOutboxMessageNotFound.
func (r *outboxTable) settle(ctx context.Context, id, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update outbox %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrOutboxMessageNotFound, id)
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxTable)(nil)

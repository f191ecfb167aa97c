package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

type orderTimeline struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &orderTimeline{db: store.DB()}
}

func (t *orderTimeline) Append(ctx context.Context, event domain.TimelineEvent) error {
	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO order_timeline (order_id, event_type, reason, occurred_at) VALUES ($1,$2,$3,$4)`,
		event.OrderID, event.Type, event.Reason, event.Occurred,
	)
	if err != nil {
		return fmt.Errorf("append %s to timeline of %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

// List нумерует события по id: BIGSERIAL монотонен в порядке вставки.
func (t *orderTimeline) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := t.db.QueryContext(ctx, `
		SELECT order_id,
		       ROW_NUMBER() OVER (ORDER BY id) AS seq,
		       event_type, reason, occurred_at
		FROM order_timeline
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query timeline of %s: %w", orderID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.TimelineEvent
	for rows.Next() {
		var e domain.TimelineEvent
		if err := rows.Scan(&e.OrderID, &e.Seq, &e.Type, &e.Reason, &e.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		e.Occurred = e.Occurred.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ domain.TimelineRepository = (*orderTimeline)(nil)

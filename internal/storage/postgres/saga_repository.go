package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// stepRank хранится рядом со step, чтобы Advance не откатывал шаг назад одним UPDATE.
var stepRank = map[domain.CheckoutStep]int{
	domain.CheckoutStepReceived:      0,
	domain.CheckoutStepValidated:     1,
	domain.CheckoutStepStockAdjusted: 2,
	domain.CheckoutStepRecorded:      3,
	domain.CheckoutStepRewarded:      4,
	domain.CheckoutStepNotified:      5,
	domain.CheckoutStepCompleted:     6,
}

const sagaColumns = `order_id, user_id, status, step, xp_earned, request, last_error, created_at, updated_at`

type sagaRepository struct {
	db *sql.DB
}

// NewSagaRepository создаёт PostgreSQL-реализацию SagaRepository.
func NewSagaRepository(store *Store) domain.SagaRepository {
	return &sagaRepository{db: store.DB()}
}

func (r *sagaRepository) Create(ctx context.Context, saga domain.CheckoutSaga) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if saga.CreatedAt.IsZero() {
		saga.CreatedAt = time.Now().UTC()
	}
	request := saga.Request
	if len(request) == 0 {
		request = []byte(`{}`)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkout_sagas (
			order_id, user_id, status, step, step_rank, xp_earned, request, last_error, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	`,
		saga.OrderID, saga.UserID, string(saga.Status), string(saga.Step), stepRank[saga.Step],
		saga.XPEarned, request, saga.LastError, saga.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSagaAlreadyExists
		}
		return fmt.Errorf("insert checkout saga: %w", err)
	}
	return nil
}

func (r *sagaRepository) Get(ctx context.Context, orderID string) (domain.CheckoutSaga, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	saga, err := scanSaga(r.db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+`
		FROM checkout_sagas
		WHERE order_id = $1
	`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CheckoutSaga{}, domain.ErrSagaNotFound
		}
		return domain.CheckoutSaga{}, fmt.Errorf("select checkout saga: %w", err)
	}
	return saga, nil
}

func (r *sagaRepository) Advance(ctx context.Context, orderID string, step domain.CheckoutStep, status domain.SagaStatus, lastErr string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE checkout_sagas
		SET step = CASE WHEN $2 >= step_rank THEN $3 ELSE step END,
		    step_rank = GREATEST(step_rank, $2),
		    status = COALESCE(NULLIF($4, ''), status),
		    last_error = $5,
		    updated_at = $6
		WHERE order_id = $1
	`, orderID, stepRank[step], string(step), string(status), lastErr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("advance checkout saga: %w", err)
	}
	return expectAffected(res, domain.ErrSagaNotFound)
}

func (r *sagaRepository) SetXP(ctx context.Context, orderID string, xp int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE checkout_sagas SET xp_earned = $2 WHERE order_id = $1`, orderID, xp)
	if err != nil {
		return fmt.Errorf("set checkout saga xp: %w", err)
	}
	return expectAffected(res, domain.ErrSagaNotFound)
}

func (r *sagaRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.CheckoutSaga, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sagaColumns+`
		FROM checkout_sagas
		WHERE status = $1
		  AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, string(domain.SagaStatusInProgress), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale checkout sagas: %w", err)
	}
	defer rows.Close()

	result := make([]domain.CheckoutSaga, 0)
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkout saga: %w", err)
		}
		result = append(result, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkout sagas: %w", err)
	}
	return result, nil
}

func scanSaga(row rowScanner) (domain.CheckoutSaga, error) {
	var (
		saga   domain.CheckoutSaga
		status string
		step   string
	)
	if err := row.Scan(
		&saga.OrderID, &saga.UserID, &status, &step, &saga.XPEarned,
		&saga.Request, &saga.LastError, &saga.CreatedAt, &saga.UpdatedAt,
	); err != nil {
		return domain.CheckoutSaga{}, err
	}
	saga.Status = domain.SagaStatus(status)
	saga.Step = domain.CheckoutStep(step)
	return saga, nil
}

func expectAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

var _ domain.SagaRepository = (*sagaRepository)(nil)

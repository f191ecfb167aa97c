package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

const idempotencyColumns = `key, method, request_hash, status, response_code, response, expires_at, created_at, updated_at`

type idempotencyKeys struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyKeys{db: store.DB()}
}

// Reserve вставляет ключ либо перезанимает просроченный, ещё не вычищенный Purge.
// Если строка не вставлена и не обновлена, ключ занят живой записью.
func (r *idempotencyKeys) Reserve(ctx context.Context, record domain.IdempotencyRecord) (domain.IdempotencyRecord, error) {
	record.Key = strings.TrimSpace(record.Key)
	record.RequestHash = strings.TrimSpace(record.RequestHash)
	fresh, err := record.Normalize(time.Now().UTC(), domain.DefaultIdempotencyTTL)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var inserted string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (`+idempotencyColumns+`)
		VALUES ($1,$2,$3,$4,0,NULL,$5,$6,$6)
		ON CONFLICT (key) DO UPDATE
		SET method = EXCLUDED.method,
		    request_hash = EXCLUDED.request_hash,
		    status = EXCLUDED.status,
		    response_code = 0,
		    response = NULL,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING key
	`,
		fresh.Key, fresh.Method, fresh.RequestHash, string(fresh.Status), fresh.ExpiresAt, fresh.CreatedAt,
	).Scan(&inserted)
	switch {
	case err == nil:
		return fresh, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, fmt.Errorf("reserve idempotency key: %w", err)
	}

	held, err := r.Get(ctx, fresh.Key)
	if err != nil {
		// запись истекла между INSERT и SELECT: клиенту достаточно повторить запрос
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	if held.RequestHash != fresh.RequestHash {
		return held, domain.ErrIdempotencyHashMismatch
	}
	return held, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *idempotencyKeys) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+idempotencyColumns+`
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > NOW()
	`, key)
	record, err := scanIdempotencyRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key %s: %w", key, err)
	}
	return record, nil
}

func (r *idempotencyKeys) Complete(ctx context.Context, key string, outcome domain.IdempotencyOutcome) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}
	if err := outcome.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $2, response_code = $3, response = $4, updated_at = NOW()
		WHERE key = $1
	`, key, string(outcome.Status), int64(outcome.Code), outcome.Response)
	if err != nil {
		return fmt.Errorf("complete idempotency key %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	} else if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func (r *idempotencyKeys) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = $1 AND status = $2
	`, key, string(domain.IdempotencyStatusProcessing))
	if err != nil {
		return fmt.Errorf("release idempotency key %s: %w", key, err)
	}
	return nil
}

// Purge удаляет истёкшие ключи, начиная с самых старых; limit <= 0 снимает ограничение.
func (r *idempotencyKeys) Purge(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var batch sql.NullInt64
	if limit > 0 {
		batch = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	// LIMIT NULL в PostgreSQL означает отсутствие лимита
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)
	`, before, batch)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(n), nil
}

func scanIdempotencyRecord(row *sql.Row) (domain.IdempotencyRecord, error) {
	var (
		record domain.IdempotencyRecord
		status string
		code   int64
	)
	if err := row.Scan(
		&record.Key, &record.Method, &record.RequestHash, &status, &code, &record.Response,
		&record.ExpiresAt, &record.CreatedAt, &record.UpdatedAt,
	); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q", status)
	}
	if code < 0 {
		code = 0
	}
	record.Code = uint32(code) //nolint:gosec // grpc codes fit uint32
	return record, nil
}

var _ domain.IdempotencyRepository = (*idempotencyKeys)(nil)

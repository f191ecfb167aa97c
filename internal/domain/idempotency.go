package domain

import (
	"errors"
	"time"
)

// IdempotencyStatus — состояние запроса, пришедшего с idempotency-key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Final — по записи в этом статусе можно повторить ответ клиенту.
func (s IdempotencyStatus) Final() bool {
	return s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyRecord — сохранённый результат вызова gRPC-метода по ключу клиента.
// Response содержит protojson ответа (done) или описание ошибки (failed).
type IdempotencyRecord struct {
	Key         string
	Method      string
	RequestHash string
	Status      IdempotencyStatus
	Code        uint32
	Response    []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired сообщает, истёк ли срок жизни ключа к моменту now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Normalize проверяет обязательные поля новой записи и заполняет срок жизни.
func (r IdempotencyRecord) Normalize(now time.Time, ttl time.Duration) (IdempotencyRecord, error) {
	if r.Key == "" {
		return r, ErrIdempotencyKeyRequired
	}
	if r.RequestHash == "" {
		return r, ErrIdempotencyRequestHashRequired
	}
	if r.ExpiresAt.IsZero() {
		r.ExpiresAt = now.Add(ttl)
	}
	r.Status = IdempotencyStatusProcessing
	r.Code = 0
	r.Response = nil
	r.CreatedAt = now
	r.UpdatedAt = now
	return r, nil
}

// IdempotencyOutcome — итог обработки, который сохраняется под ключом.
type IdempotencyOutcome struct {
	Status   IdempotencyStatus
	Code     uint32
	Response []byte
}

// Validate допускает только финальные статусы.
func (o IdempotencyOutcome) Validate() error {
	if !o.Status.Final() {
		return ErrIdempotencyOutcomeInvalid
	}
	return nil
}

// DefaultIdempotencyTTL — срок жизни ключа, если вызывающий его не задал.
const DefaultIdempotencyTTL = 24 * time.Hour

var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ занят: запрос ещё обрабатывается или уже завершён.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	ErrIdempotencyKeyNotFound      = errors.New("idempotency key not found")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch   = errors.New("idempotency key reused with different request")
	ErrIdempotencyOutcomeInvalid = errors.New("idempotency outcome must be done or failed")
)

// IsIdempotencyConflict сообщает о конфликте ключа идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

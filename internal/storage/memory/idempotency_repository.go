package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

type idempotencyKeysInMemory struct {
	mu   sync.Mutex
	now  func() time.Time
	keys map[string]domain.IdempotencyRecord
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return newIdempotencyKeys(func() time.Time { return time.Now().UTC() })
}

func newIdempotencyKeys(now func() time.Time) *idempotencyKeysInMemory {
	return &idempotencyKeysInMemory{now: now, keys: make(map[string]domain.IdempotencyRecord)}
}

func (r *idempotencyKeysInMemory) Reserve(_ context.Context, record domain.IdempotencyRecord) (domain.IdempotencyRecord, error) {
	record.Key = strings.TrimSpace(record.Key)
	record.RequestHash = strings.TrimSpace(record.RequestHash)

	now := r.now()
	fresh, err := record.Normalize(now, domain.DefaultIdempotencyTTL)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if held, ok := r.keys[fresh.Key]; ok && !held.Expired(now) {
		if held.RequestHash != fresh.RequestHash {
			return copyRecord(held), domain.ErrIdempotencyHashMismatch
		}
		return copyRecord(held), domain.ErrIdempotencyKeyAlreadyExists
	}

	r.keys[fresh.Key] = fresh
	return copyRecord(fresh), nil
}

func (r *idempotencyKeysInMemory) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.keys[key]
	if !ok || held.Expired(r.now()) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyRecord(held), nil
}

func (r *idempotencyKeysInMemory) Complete(_ context.Context, key string, outcome domain.IdempotencyOutcome) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}
	if err := outcome.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.keys[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	held.Status = outcome.Status
	held.Code = outcome.Code
	held.Response = append([]byte(nil), outcome.Response...)
	held.UpdatedAt = r.now()
	r.keys[key] = held
	return nil
}

func (r *idempotencyKeysInMemory) Release(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if held, ok := r.keys[key]; ok && held.Status == domain.IdempotencyStatusProcessing {
		delete(r.keys, key)
	}
	return nil
}

// Purge удаляет сначала самые старые по сроку жизни записи.
func (r *idempotencyKeysInMemory) Purge(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]domain.IdempotencyRecord, 0)
	for _, rec := range r.keys {
		if rec.Expired(before) {
			expired = append(expired, rec)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(r.keys, rec.Key)
	}
	return len(expired), nil
}

func copyRecord(rec domain.IdempotencyRecord) domain.IdempotencyRecord {
	rec.Response = append([]byte(nil), rec.Response...)
	return rec
}

var _ domain.IdempotencyRepository = (*idempotencyKeysInMemory)(nil)

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

type sagaRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.CheckoutSaga
}

// NewSagaRepository создаёт in-memory реализацию SagaRepository.
func NewSagaRepository() domain.SagaRepository {
	return &sagaRepositoryInMemory{items: make(map[string]domain.CheckoutSaga)}
}

func (r *sagaRepositoryInMemory) Create(_ context.Context, saga domain.CheckoutSaga) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[saga.OrderID]; exists {
		return domain.ErrSagaAlreadyExists
	}
	now := time.Now().UTC()
	if saga.CreatedAt.IsZero() {
		saga.CreatedAt = now
	}
	saga.UpdatedAt = saga.CreatedAt
	saga.Request = append([]byte(nil), saga.Request...)
	r.items[saga.OrderID] = saga
	return nil
}

func (r *sagaRepositoryInMemory) Get(_ context.Context, orderID string) (domain.CheckoutSaga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	saga, ok := r.items[orderID]
	if !ok {
		return domain.CheckoutSaga{}, domain.ErrSagaNotFound
	}
	saga.Request = append([]byte(nil), saga.Request...)
	return saga, nil
}

// Advance двигает сагу вперёд; шаг назад не откатывается.
func (r *sagaRepositoryInMemory) Advance(_ context.Context, orderID string, step domain.CheckoutStep, status domain.SagaStatus, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	saga, ok := r.items[orderID]
	if !ok {
		return domain.ErrSagaNotFound
	}
	if step.Reached(saga.Step) {
		saga.Step = step
	}
	if status != "" {
		saga.Status = status
	}
	saga.LastError = lastErr
	saga.UpdatedAt = time.Now().UTC()
	r.items[orderID] = saga
	return nil
}

func (r *sagaRepositoryInMemory) SetXP(_ context.Context, orderID string, xp int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	saga, ok := r.items[orderID]
	if !ok {
		return domain.ErrSagaNotFound
	}
	saga.XPEarned = xp
	r.items[orderID] = saga
	return nil
}

func (r *sagaRepositoryInMemory) ListStale(_ context.Context, before time.Time, limit int) ([]domain.CheckoutSaga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.CheckoutSaga, 0)
	for _, saga := range r.items {
		if saga.Status != domain.SagaStatusInProgress || saga.UpdatedAt.After(before) {
			continue
		}
		saga.Request = append([]byte(nil), saga.Request...)
		result = append(result, saga)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ domain.SagaRepository = (*sagaRepositoryInMemory)(nil)

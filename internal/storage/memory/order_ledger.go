package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// orderLedgerInMemory — простая in-memory реализация OrderLedger.
type orderLedgerInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
}

// NewOrderLedger возвращает in-memory леджер для локальной разработки и тестов.
func NewOrderLedger() domain.OrderLedger {
	return &orderLedgerInMemory{
		items: make(map[string]domain.Order),
	}
}

// CreateOrder сохраняет новый заказ, если ID ещё не занят.
func (r *orderLedgerInMemory) CreateOrder(_ context.Context, in domain.NewOrder) (domain.Order, error) {
	order := in.Build()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.Order{}, domain.ErrOrderAlreadyExists
	}
	r.items[order.ID] = order
	return cloneOrder(order), nil
}

// AddLineItem дописывает позицию; повтор с тем же ID возвращает уже записанную позицию.
func (r *orderLedgerInMemory) AddLineItem(_ context.Context, orderID string, item domain.OrderItem) (domain.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.items[orderID]
	if !ok {
		return domain.OrderItem{}, domain.ErrOrderNotFound
	}
	for _, existing := range order.Items {
		if existing.ID == item.ID {
			return existing, nil
		}
	}

	item.OrderID = orderID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	order.Items = append(append([]domain.OrderItem(nil), order.Items...), item)
	r.items[orderID] = order
	return item, nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderLedgerInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// ListByUser возвращает заказы пользователя, ограничивая выборку limit (если >0).
func (r *orderLedgerInMemory) ListByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0, len(r.items))
	for _, order := range r.items {
		if order.UserID != userID {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Save обновляет статус и трекинг, проверяя версию (optimistic locking).
// Позиции и суммы заказа неизменяемы и из order не берутся.
func (r *orderLedgerInMemory) Save(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}

	current.Status = order.Status
	current.Tracking = order.Tracking
	current.UpdatedAt = time.Now().UTC()
	current.Version++
	r.items[order.ID] = current
	return nil
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = append([]domain.OrderItem{}, src.Items...)
	return dst
}

var _ domain.OrderLedger = (*orderLedgerInMemory)(nil)

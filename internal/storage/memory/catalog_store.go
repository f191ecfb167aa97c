package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// CatalogStore — in-memory каталог. Списание выполняется под одним мьютексом,
// поэтому проверка и уменьшение остатка атомарны так же, как Lua-скрипт в Redis.
type CatalogStore struct {
	mu       sync.Mutex
	products map[string]domain.Product
	claims   map[string][]domain.ClaimLine
	now      func() time.Time
}

// NewCatalogStore создаёт пустой in-memory каталог.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		products: make(map[string]domain.Product),
		claims:   make(map[string][]domain.ClaimLine),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetProduct возвращает копию документа товара.
func (s *CatalogStore) GetProduct(_ context.Context, productID string) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product.Clone(), nil
}

// SaveProduct записывает документ с пересчитанными агрегатами.
// Счётчики продаж и просмотров уже сохранённого товара не перетираются.
func (s *CatalogStore) SaveProduct(_ context.Context, product domain.Product) error {
	product = product.Clone()
	product.RecomputeStock()
	product.UpdatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.products[product.ID]; ok {
		product.SalesCount = existing.SalesCount
		product.ViewCount = existing.ViewCount
	}
	s.products[product.ID] = product
	return nil
}

// Claim проверяет все позиции и только потом списывает их.
func (s *CatalogStore) Claim(_ context.Context, orderID string, lines []domain.ClaimLine) error {
	lines = domain.MergeClaimLines(lines)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, claimed := s.claims[orderID]; claimed {
		return nil
	}

	for _, line := range lines {
		product, ok := s.products[line.ProductID]
		if !ok {
			return domain.ErrProductNotFound
		}
		if err := product.CheckClaim(line.Cell, line.Quantity); err != nil {
			return err
		}
	}

	now := s.now()
	for _, line := range lines {
		product := s.products[line.ProductID].Clone()
		product.Adjust(line.Cell, -line.Quantity)
		product.SalesCount += int64(line.Quantity)
		product.UpdatedAt = now
		s.products[line.ProductID] = product
	}
	s.claims[orderID] = lines
	return nil
}

// Release возвращает на склад всё, что было списано по заказу.
func (s *CatalogStore) Release(_ context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, ok := s.claims[orderID]
	if !ok {
		return false, nil
	}

	now := s.now()
	for _, line := range lines {
		product, exists := s.products[line.ProductID]
		if !exists {
			continue
		}
		product = product.Clone()
		product.Adjust(line.Cell, line.Quantity)
		product.SalesCount -= int64(line.Quantity)
		if product.SalesCount < 0 {
			product.SalesCount = 0
		}
		product.UpdatedAt = now
		s.products[line.ProductID] = product
	}
	delete(s.claims, orderID)
	return true, nil
}

// HasClaim сообщает, есть ли действующее списание по заказу.
func (s *CatalogStore) HasClaim(_ context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claims[orderID]
	return ok, nil
}

// IncrementViews увеличивает счётчик просмотров товара.
func (s *CatalogStore) IncrementViews(_ context.Context, productID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return 0, domain.ErrProductNotFound
	}
	product.ViewCount++
	s.products[productID] = product
	return product.ViewCount, nil
}

var _ domain.CatalogStore = (*CatalogStore)(nil)

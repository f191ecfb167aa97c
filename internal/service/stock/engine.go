package stock

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// ResolvedLine — позиция запроса, сопоставленная с ячейкой склада.
type ResolvedLine struct {
	Line        domain.CheckoutLine
	ProductName string
	Cell        domain.StockCell
	XPReward    int
	// Claims — авторитетные ячейки, по которым разложена позиция при проверке.
	Claims []domain.ClaimLine
}

// XP возвращает опыт за позицию: награда товара × количество.
func (r ResolvedLine) XP() int64 {
	return int64(r.XPReward) * int64(r.Line.Quantity)
}

// Engine проверяет и списывает остатки каталога.
type Engine struct {
	catalog domain.CatalogStore
	logger  *log.Entry
}

// NewEngine создаёт движок резервирования поверх каталога.
func NewEngine(catalog domain.CatalogStore, logger *log.Entry) *Engine {
	if logger == nil {
		logger = log.New().WithField("component", "stock-engine")
	}
	return &Engine{catalog: catalog, logger: logger}
}

// Validate выполняет проверочный проход без изменений склада.
// Позиции раскладываются по рабочей копии товара, поэтому несколько позиций одного
// товара проверяются по общему остатку. Возвращается ошибка первой непрошедшей позиции.
func (e *Engine) Validate(ctx context.Context, lines []domain.CheckoutLine) ([]ResolvedLine, error) {
	if len(lines) == 0 {
		return nil, domain.ErrItemsRequired
	}

	type cellKey struct {
		productID string
		cell      domain.StockCell
	}

	working := make(map[string]*domain.Product, len(lines))
	requested := make(map[cellKey]int, len(lines))
	resolved := make([]ResolvedLine, 0, len(lines))

	for i, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("item %d (%s): %w", i, line.ProductID, domain.ErrInvalidQuantity)
		}

		product, ok := working[line.ProductID]
		if !ok {
			loaded, err := e.catalog.GetProduct(ctx, line.ProductID)
			if err != nil {
				if errors.Is(err, domain.ErrProductNotFound) {
					return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, line.ProductID)
				}
				return nil, fmt.Errorf("load product %s: %w", line.ProductID, err)
			}
			loaded = loaded.Clone()
			product = &loaded
			working[line.ProductID] = product
		}

		cell, remaining, err := product.ResolveCell(line.Size, line.Color)
		if err != nil {
			return nil, err
		}

		key := cellKey{productID: line.ProductID, cell: cell.Normalized()}
		claims, ok := product.Allocate(cell, line.Quantity)
		if !ok {
			return nil, &domain.StockError{
				Kind:        domain.ErrInsufficientStock,
				ProductID:   product.ID,
				ProductName: product.Name,
				Size:        line.Size,
				Color:       cell.Color,
				Requested:   requested[key] + line.Quantity,
				Available:   remaining + requested[key],
			}
		}
		requested[key] += line.Quantity

		resolved = append(resolved, ResolvedLine{
			Line:        line,
			ProductName: product.Name,
			Cell:        cell,
			XPReward:    product.XPReward,
			Claims:      claims,
		})
	}
	return resolved, nil
}

// Deduct атомарно списывает все позиции заказа. Повторный вызов для того же заказа ничего не меняет.
// Проигранная гонка возвращается как StockError c Race=true.
func (e *Engine) Deduct(ctx context.Context, orderID string, resolved []ResolvedLine) error {
	claim := make([]domain.ClaimLine, 0, len(resolved))
	for _, r := range resolved {
		claim = append(claim, r.Claims...)
	}

	if err := e.catalog.Claim(ctx, orderID, claim); err != nil {
		if errors.Is(err, domain.ErrDeductionRace) {
			e.logger.WithFields(log.Fields{
				"order_id": orderID,
				"error":    err,
			}).Warn("stock deduction lost a race")
		}
		return err
	}
	return nil
}

// Restock возвращает списанное по заказу; false, если списания не было.
func (e *Engine) Restock(ctx context.Context, orderID string) (bool, error) {
	released, err := e.catalog.Release(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("restock order %s: %w", orderID, err)
	}
	if released {
		e.logger.WithField("order_id", orderID).Info("stock claim released")
	}
	return released, nil
}

// HasClaim сообщает, есть ли действующее списание по заказу.
func (e *Engine) HasClaim(ctx context.Context, orderID string) (bool, error) {
	return e.catalog.HasClaim(ctx, orderID)
}

// View отдаёт карточку товара и засчитывает просмотр.
// Сбой счётчика не мешает показу: карточка возвращается с прежним ViewCount.
func (e *Engine) View(ctx context.Context, productID string) (domain.Product, error) {
	product, err := e.catalog.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
		}
		return domain.Product{}, fmt.Errorf("load product %s: %w", productID, err)
	}
	views, err := e.catalog.IncrementViews(ctx, productID)
	if err != nil {
		e.logger.WithError(err).WithField("product_id", productID).Warn("failed to count product view")
		return product, nil
	}
	product.ViewCount = views
	return product, nil
}

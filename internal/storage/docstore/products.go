package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

const (
	fieldTotal = "total"
	fieldSales = "sales"
	fieldViews = "views"

	claimResultMissingCell    = 1
	claimResultInsufficient   = 2
	claimResultProductMissing = 3
)

// productDoc — JSON-документ товара. Количества в нём не авторитетны:
// остатки и счётчики живут в hash product:{id}:stock и меняются только скриптами.
type productDoc struct {
	ID         string                  `json:"id"`
	Name       string                  `json:"name"`
	VendorID   string                  `json:"vendorId,omitempty"`
	ImageURL   string                  `json:"imageUrl,omitempty"`
	XPReward   int                     `json:"xpReward"`
	Sizes      []domain.SizeStock      `json:"sizes,omitempty"`
	Variations []domain.ColorVariation `json:"variations,omitempty"`
	UpdatedAt  time.Time               `json:"updatedAt"`
}

type claimDoc struct {
	Lines []claimLineDoc `json:"lines"`
}

type claimLineDoc struct {
	ProductID string `json:"productId"`
	Field     string `json:"field"`
	Quantity  int    `json:"quantity"`
}

// ProductStore — каталог товаров поверх Redis.
type ProductStore struct {
	client redis.UniversalClient
	logger *log.Entry
	now    func() time.Time
}

// NewProductStore создаёт каталог поверх Redis.
func NewProductStore(client redis.UniversalClient, logger *log.Entry) *ProductStore {
	if logger == nil {
		logger = log.New().WithField("component", "docstore-products")
	}
	return &ProductStore{
		client: client,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetProduct собирает документ и остатки в domain.Product и пересчитывает производные поля.
func (s *ProductStore) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	pipe := s.client.Pipeline()
	docCmd := pipe.Get(ctx, productKey(productID))
	stockCmd := pipe.HGetAll(ctx, stockKey(productID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.Product{}, fmt.Errorf("load product %s: %w", productID, err)
	}

	raw, err := docCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("load product %s: %w", productID, err)
	}

	var doc productDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s: %w", productID, err)
	}

	product := domain.Product{
		ID:         doc.ID,
		Name:       doc.Name,
		VendorID:   doc.VendorID,
		ImageURL:   doc.ImageURL,
		XPReward:   doc.XPReward,
		Sizes:      doc.Sizes,
		Variations: doc.Variations,
		UpdatedAt:  doc.UpdatedAt,
	}
	applyStockHash(&product, stockCmd.Val())
	product.RecomputeStock()
	return product, nil
}

// SaveProduct перезаписывает документ и ячейки остатков одним скриптом.
// Счётчики продаж и просмотров существующего товара не перетираются.
func (s *ProductStore) SaveProduct(ctx context.Context, product domain.Product) error {
	product = product.Clone()
	product.RecomputeStock()
	product.UpdatedAt = s.now()

	doc := productDoc{
		ID:         product.ID,
		Name:       product.Name,
		VendorID:   product.VendorID,
		ImageURL:   product.ImageURL,
		XPReward:   product.XPReward,
		Sizes:      product.Sizes,
		Variations: product.Variations,
		UpdatedAt:  product.UpdatedAt,
	}
	if product.StockKind() == domain.StockKindVariations {
		// legacy-размеры для вариаций производные и в документ не пишутся
		doc.Sizes = nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode product %s: %w", product.ID, err)
	}

	fields := stockFields(product)
	args := make([]any, 0, 3+2*len(fields))
	args = append(args, raw, product.SalesCount, product.ViewCount)
	for field, qty := range fields {
		args = append(args, field, qty)
	}
	err = saveScript.Run(ctx, s.client, []string{productKey(product.ID), stockKey(product.ID)}, args...).Err()
	if err != nil {
		return fmt.Errorf("save product %s: %w", product.ID, err)
	}
	return nil
}

// Claim атомарно списывает все позиции заказа скриптом claimScript.
func (s *ProductStore) Claim(ctx context.Context, orderID string, lines []domain.ClaimLine) error {
	lines = domain.MergeClaimLines(lines)
	if len(lines) == 0 {
		return nil
	}

	doc := claimDoc{Lines: make([]claimLineDoc, 0, len(lines))}
	keys := make([]string, 0, len(lines)+1)
	keys = append(keys, claimKey(orderID))
	args := make([]any, 0, 2*len(lines)+1)
	for _, line := range lines {
		field := cellField(line.Cell)
		doc.Lines = append(doc.Lines, claimLineDoc{ProductID: line.ProductID, Field: field, Quantity: line.Quantity})
		keys = append(keys, stockKey(line.ProductID))
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode claim %s: %w", orderID, err)
	}
	args = append(args, payload)
	for _, line := range doc.Lines {
		args = append(args, line.Field, line.Quantity)
	}

	res, err := claimScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return fmt.Errorf("claim stock for order %s: %w", orderID, err)
	}
	if len(res) != 3 {
		return fmt.Errorf("claim stock for order %s: unexpected script reply %v", orderID, res)
	}
	if res[0] == 0 {
		return nil
	}

	failed := lines[res[0]-1]
	switch res[1] {
	case claimResultProductMissing:
		return fmt.Errorf("%w: %s", domain.ErrProductNotFound, failed.ProductID)
	case claimResultMissingCell, claimResultInsufficient:
		return s.claimFailure(ctx, failed, int(res[2]), res[1] == claimResultMissingCell)
	default:
		return fmt.Errorf("claim stock for order %s: unknown script code %d", orderID, res[1])
	}
}

// claimFailure строит StockError с именем товара для сообщения клиенту.
func (s *ProductStore) claimFailure(ctx context.Context, line domain.ClaimLine, available int, missingCell bool) error {
	stockErr := &domain.StockError{
		Kind:      domain.ErrInsufficientStock,
		ProductID: line.ProductID,
		Size:      line.Cell.Size,
		Color:     line.Cell.Color,
		Requested: line.Quantity,
		Available: available,
		Race:      true,
	}
	if missingCell {
		stockErr.Kind = domain.ErrSizeUnavailable
		if line.Cell.Kind == domain.StockKindVariations {
			stockErr.Kind = domain.ErrSizeUnavailableForColor
		}
		stockErr.Requested, stockErr.Available = 0, 0
	}
	if product, err := s.GetProduct(ctx, line.ProductID); err == nil {
		stockErr.ProductName = product.Name
	} else {
		s.logger.WithError(err).WithField("product_id", line.ProductID).Debug("product name lookup failed")
	}
	return stockErr
}

// Release возвращает списанное по заказу.
func (s *ProductStore) Release(ctx context.Context, orderID string) (bool, error) {
	raw, err := s.client.Get(ctx, claimKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load claim %s: %w", orderID, err)
	}

	var doc claimDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("decode claim %s: %w", orderID, err)
	}

	keys := make([]string, 0, len(doc.Lines)+1)
	keys = append(keys, claimKey(orderID))
	args := make([]any, 0, 2*len(doc.Lines))
	for _, line := range doc.Lines {
		keys = append(keys, stockKey(line.ProductID))
		args = append(args, line.Field, line.Quantity)
	}

	released, err := releaseScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("release claim %s: %w", orderID, err)
	}
	return released == 1, nil
}

// HasClaim сообщает, есть ли действующее списание по заказу.
func (s *ProductStore) HasClaim(ctx context.Context, orderID string) (bool, error) {
	n, err := s.client.Exists(ctx, claimKey(orderID)).Result()
	if err != nil {
		return false, fmt.Errorf("check claim %s: %w", orderID, err)
	}
	return n == 1, nil
}

// IncrementViews атомарно увеличивает счётчик просмотров.
func (s *ProductStore) IncrementViews(ctx context.Context, productID string) (int64, error) {
	n, err := s.client.Exists(ctx, stockKey(productID)).Result()
	if err != nil {
		return 0, fmt.Errorf("check product %s: %w", productID, err)
	}
	if n == 0 {
		return 0, domain.ErrProductNotFound
	}
	views, err := s.client.HIncrBy(ctx, stockKey(productID), fieldViews, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("increment views %s: %w", productID, err)
	}
	return views, nil
}

func cellField(cell domain.StockCell) string {
	switch cell.Kind {
	case domain.StockKindVariations:
		return "v|" + cell.Color + "|" + cell.Size
	case domain.StockKindSizes:
		return "s|" + cell.Size
	default:
		return fieldTotal
	}
}

// stockFields — ячейки остатков товара без счётчиков.
func stockFields(product domain.Product) map[string]int {
	fields := map[string]int{
		fieldTotal: product.TotalStock,
	}
	switch product.StockKind() {
	case domain.StockKindVariations:
		for _, v := range product.Variations {
			for _, size := range v.SizeStock {
				fields[cellField(domain.StockCell{Kind: domain.StockKindVariations, Color: v.ColorName, Size: size.Size})] = size.Quantity
			}
		}
	case domain.StockKindSizes:
		for _, size := range product.Sizes {
			fields[cellField(domain.StockCell{Kind: domain.StockKindSizes, Size: size.Size})] = size.Quantity
		}
	}
	return fields
}

func applyStockHash(product *domain.Product, values map[string]string) {
	atoi := func(field string) int64 {
		n, _ := strconv.ParseInt(values[field], 10, 64)
		return n
	}
	product.TotalStock = int(atoi(fieldTotal))
	product.SalesCount = atoi(fieldSales)
	product.ViewCount = atoi(fieldViews)

	for i := range product.Variations {
		v := &product.Variations[i]
		for j := range v.SizeStock {
			field := cellField(domain.StockCell{Kind: domain.StockKindVariations, Color: v.ColorName, Size: v.SizeStock[j].Size})
			v.SizeStock[j].Quantity = int(atoi(field))
		}
	}
	if len(product.Variations) > 0 {
		return
	}
	for i := range product.Sizes {
		field := cellField(domain.StockCell{Kind: domain.StockKindSizes, Size: product.Sizes[i].Size})
		product.Sizes[i].Quantity = int(atoi(field))
	}
}

var _ domain.CatalogStore = (*ProductStore)(nil)

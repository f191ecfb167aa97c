package app

import (
	"context"
	"errors"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// demoProducts — витрина для локального запуска и нагрузочного теста.
// Все три представления остатков присутствуют, чтобы их можно было проверить вручную.
func demoProducts() []domain.Product {
	return []domain.Product{
		{
			ID:       "floral-dress",
			Name:     "Floral Dress",
			XPReward: 100,
			ImageURL: "https://cdn.chicplay.example/products/floral-dress.jpg",
			Variations: []domain.ColorVariation{
				{ColorName: "Blush", HexCode: "#F4C2C2", SizeStock: []domain.SizeStock{
					{Size: "S", Quantity: 10}, {Size: "M", Quantity: 100}, {Size: "L", Quantity: 10},
				}},
				{ColorName: "Sage", HexCode: "#9CAF88", SizeStock: []domain.SizeStock{
					{Size: "M", Quantity: 25},
				}},
			},
		},
		{
			ID:       "denim-jacket",
			Name:     "Denim Jacket",
			XPReward: 150,
			Sizes:    []domain.SizeStock{{Size: "M", Quantity: 40}, {Size: "L", Quantity: 20}},
		},
		{
			ID:         "silk-scarf",
			Name:       "Silk Scarf",
			XPReward:   30,
			TotalStock: 200,
		},
	}
}

// seedDemoCatalog записывает демо-товары, если их ещё нет в каталоге.
func seedDemoCatalog(ctx context.Context, catalog domain.CatalogStore) error {
	for _, product := range demoProducts() {
		_, err := catalog.GetProduct(ctx, product.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrProductNotFound) {
			return err
		}
		if err := catalog.SaveProduct(ctx, product); err != nil {
			return err
		}
	}
	return nil
}

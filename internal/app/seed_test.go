package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	"github.com/vladislavdragonenkov/chicplay/internal/storage/memory"
)

func TestSeedDemoCatalog_CoversAllStockKinds(t *testing.T) {
	catalog := memory.NewCatalogStore()
	ctx := context.Background()

	require.NoError(t, seedDemoCatalog(ctx, catalog))

	kinds := map[domain.StockKind]bool{}
	for _, p := range demoProducts() {
		stored, err := catalog.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		kinds[stored.StockKind()] = true
	}
	require.True(t, kinds[domain.StockKindVariations])
	require.True(t, kinds[domain.StockKindSizes])
	require.True(t, kinds[domain.StockKindFlat])
}

func TestSeedDemoCatalog_KeepsExistingStock(t *testing.T) {
	catalog := memory.NewCatalogStore()
	ctx := context.Background()

	require.NoError(t, catalog.SaveProduct(ctx, domain.Product{ID: "silk-scarf", Name: "Silk Scarf", TotalStock: 3}))
	require.NoError(t, seedDemoCatalog(ctx, catalog))

	stored, err := catalog.GetProduct(ctx, "silk-scarf")
	require.NoError(t, err)
	require.Equal(t, 3, stored.TotalStock)
}
